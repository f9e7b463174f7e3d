package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"quizrank/internal/platform"
	"quizrank/pkg/logger"

	"go.uber.org/zap"
)

// ScoreEntry is one placement row of the completion callback. Unexpected
// marks players who connected without resolving to the roster; the consumer
// decides what to do with them, they are never silently promoted.
type ScoreEntry struct {
	Nickname   string             `json:"nickname"`
	Score      int                `json:"score"`
	Placement  int                `json:"placement"`
	Auth       *platform.AuthInfo `json:"auth,omitempty"`
	Unexpected bool               `json:"unexpected,omitempty"`
}

// ResultPayload is the terminal artifact of a completed match.
type ResultPayload struct {
	RoomCode  string        `json:"roomCode"`
	Scores    []ScoreEntry  `json:"scores"`
	Answers   []MatchAnswer `json:"answers"`
	Category  string        `json:"category"`
	StartedAt time.Time     `json:"startedAt"`
}

// CancellationPayload reports a match that never produced a result.
type CancellationPayload struct {
	RoomCode  string `json:"roomCode"`
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason"`
	Category  string `json:"category"`
}

// DeliveryResult makes the outcome of a callback attempt explicit. There is
// no retry; the caller acts on failure (for the bot, by exiting non-zero).
type DeliveryResult struct {
	OK     bool
	Status int
	Err    error
}

// Deliverer posts the terminal payload to the external result store.
type Deliverer interface {
	DeliverResult(ctx context.Context, payload ResultPayload) DeliveryResult
	DeliverCancellation(ctx context.Context, payload CancellationPayload) DeliveryResult
}

// HTTPDeliverer posts JSON callbacks to the spawn-contract callback URL.
type HTTPDeliverer struct {
	resultURL string
	cancelURL string
	token     string
	client    *http.Client
}

func NewHTTPDeliverer(resultURL, cancelURL, token string) *HTTPDeliverer {
	return &HTTPDeliverer{
		resultURL: resultURL,
		cancelURL: cancelURL,
		token:     token,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (d *HTTPDeliverer) DeliverResult(ctx context.Context, payload ResultPayload) DeliveryResult {
	return d.post(ctx, d.resultURL, payload)
}

func (d *HTTPDeliverer) DeliverCancellation(ctx context.Context, payload CancellationPayload) DeliveryResult {
	return d.post(ctx, d.cancelURL, payload)
}

func (d *HTTPDeliverer) post(ctx context.Context, url string, payload interface{}) DeliveryResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return DeliveryResult{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		logger.Log.Error("callback delivery failed", zap.String("url", url), zap.Error(err))
		return DeliveryResult{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Log.Error("callback rejected",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
		)
		return DeliveryResult{Status: resp.StatusCode}
	}
	return DeliveryResult{OK: true, Status: resp.StatusCode}
}
