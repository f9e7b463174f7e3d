package bot

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"quizrank/internal/platform"
)

// MatchAnswer is one player's answer record for one round, as delivered in
// the completion callback.
type MatchAnswer struct {
	PeerID       int    `json:"peerId"`
	RoundIndex   int    `json:"roundIndex"`
	Question     string `json:"question"` // challenge fingerprint
	Answer       string `json:"answer"`
	PlayerAnswer string `json:"playerAnswer"`
	ElapsedTime  int64  `json:"elapsedTime"` // ms
}

// Challenge is the active round. At most one exists at a time.
type Challenge struct {
	RoundIndex  int
	Prompt      string
	Fingerprint string

	// first valid elapsed time per peer; later reports are ignored
	elapsed map[int]int64
}

// Fingerprint derives the content-addressed question identifier: the prompt
// concatenated with either the literal text body or the attached image's
// content hash. The discriminator keeps an image hash from colliding with an
// identical literal text.
func Fingerprint(prompt, text, imageHash string) string {
	h := sha256.New()
	io.WriteString(h, prompt)
	if imageHash != "" {
		io.WriteString(h, "\x00image\x00")
		io.WriteString(h, imageHash)
	} else {
		io.WriteString(h, "\x00text\x00")
		io.WriteString(h, text)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RoundTracker owns the active challenge and the per-round answer capture.
type RoundTracker struct {
	current *Challenge
	rounds  int
}

func NewRoundTracker() *RoundTracker {
	return &RoundTracker{}
}

// StartRound opens a new challenge from a round announcement.
func (t *RoundTracker) StartRound(p platform.ChallengePayload) *Challenge {
	index := p.RoundIndex
	if index == 0 {
		index = t.rounds
	}
	t.rounds++

	imageHash := ""
	if p.Image != nil {
		imageHash = p.Image.Hash
	}
	t.current = &Challenge{
		RoundIndex:  index,
		Prompt:      p.Prompt,
		Fingerprint: Fingerprint(p.Prompt, p.Text, imageHash),
		elapsed:     make(map[int]int64),
	}
	return t.current
}

// Current returns the active challenge, nil between rounds.
func (t *RoundTracker) Current() *Challenge {
	return t.current
}

// RecordAnswerTime keeps only the first valid elapsed time reported for a
// peer within the current round; the platform repeats intermediate states.
func (t *RoundTracker) RecordAnswerTime(peerID int, elapsedMs int64) {
	if t.current == nil || elapsedMs <= 0 {
		return
	}
	if _, ok := t.current.elapsed[peerID]; ok {
		return
	}
	t.current.elapsed[peerID] = elapsedMs
}

// CloseRound flushes every peer with a recorded time into MatchAnswer rows
// and clears the active challenge. When no per-player answer text was
// reported, the round's correct answer is used as a best-effort fallback.
func (t *RoundTracker) CloseRound(correctAnswer string, perPlayer map[int]string) []MatchAnswer {
	if t.current == nil {
		return nil
	}
	ch := t.current
	t.current = nil

	answers := make([]MatchAnswer, 0, len(ch.elapsed))
	for peerID, elapsed := range ch.elapsed {
		playerAnswer := perPlayer[peerID]
		if playerAnswer == "" {
			playerAnswer = correctAnswer
		}
		answers = append(answers, MatchAnswer{
			PeerID:       peerID,
			RoundIndex:   ch.RoundIndex,
			Question:     ch.Fingerprint,
			Answer:       correctAnswer,
			PlayerAnswer: playerAnswer,
			ElapsedTime:  elapsed,
		})
	}
	return answers
}
