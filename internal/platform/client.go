package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"quizrank/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultAckTimeout = 10 * time.Second
	writeWait         = 5 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 25 * time.Second
)

// RoomInfo is the minimum a created room must report back.
type RoomInfo struct {
	Code   string `json:"roomCode"`
	Server string `json:"server"` // websocket endpoint for both channels
}

// RoomAPI creates rooms over the platform's HTTP API.
type RoomAPI struct {
	base   string
	client *http.Client
}

func NewRoomAPI(base string) *RoomAPI {
	return &RoomAPI{
		base:   base,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateRoom requests a new room. A response without a room code or server
// endpoint is malformed and fatal for the caller.
func (a *RoomAPI) CreateRoom(ctx context.Context, gameType, name string, public bool) (RoomInfo, error) {
	body, err := json.Marshal(map[string]interface{}{
		"gameId":   gameType,
		"name":     name,
		"isPublic": public,
	})
	if err != nil {
		return RoomInfo{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/startRoom", bytes.NewReader(body))
	if err != nil {
		return RoomInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RoomInfo{}, fmt.Errorf("create room: status %d", resp.StatusCode)
	}

	var info RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return RoomInfo{}, fmt.Errorf("create room: malformed response: %w", err)
	}
	if info.Code == "" || info.Server == "" {
		return RoomInfo{}, fmt.Errorf("create room: response missing room code or server")
	}
	return info, nil
}

// FindRoom resolves an existing room code to its server endpoint.
func (a *RoomAPI) FindRoom(ctx context.Context, code string) (RoomInfo, error) {
	body, err := json.Marshal(map[string]string{"roomCode": code})
	if err != nil {
		return RoomInfo{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/findRoom", bytes.NewReader(body))
	if err != nil {
		return RoomInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("find room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RoomInfo{}, fmt.Errorf("find room %s: status %d", code, resp.StatusCode)
	}

	var info RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return RoomInfo{}, fmt.Errorf("find room: malformed response: %w", err)
	}
	if info.Server == "" {
		return RoomInfo{}, fmt.Errorf("find room: response missing server")
	}
	if info.Code == "" {
		info.Code = code
	}
	return info, nil
}

// frame is one message on either channel. Acks echo the id of the frame they
// answer with the reserved event name "ack".
type frame struct {
	Event string          `json:"event"`
	ID    int64           `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const ackEvent = "ack"

// Channel is one websocket connection with emit/ack semantics and per-event
// handlers. Handlers run on the read pump goroutine, in arrival order.
type Channel struct {
	name string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan json.RawMessage
	handlers map[string]func(json.RawMessage)
	closed   bool

	done chan struct{}
}

// Dial opens a channel to the given websocket endpoint. The read pump starts
// immediately; register handlers before the first inbound event matters.
func Dial(ctx context.Context, url, name string) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s channel: %w", name, err)
	}

	ch := &Channel{
		name:     name,
		conn:     conn,
		pending:  make(map[int64]chan json.RawMessage),
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go ch.readPump()
	go ch.pingLoop()
	return ch, nil
}

func (c *Channel) On(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

// Emit sends an event without waiting for an acknowledgement.
func (c *Channel) Emit(event string, data interface{}) error {
	return c.write(frame{Event: event, Data: marshal(data)})
}

// EmitAck sends an event and blocks until the platform acknowledges it or the
// context expires. An expired context is an acknowledgement timeout.
func (c *Channel) EmitAck(ctx context.Context, event string, data interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s channel closed", c.name)
	}
	c.nextID++
	id := c.nextID
	ack := make(chan json.RawMessage, 1)
	c.pending[id] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{Event: event, ID: id, Data: marshal(data)}); err != nil {
		return nil, err
	}

	select {
	case data := <-ack:
		return data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s %s: ack timeout: %w", c.name, event, ctx.Err())
	case <-c.done:
		return nil, fmt.Errorf("%s channel closed before ack", c.name)
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.conn.Close()
}

// Done is closed when the channel dies for any reason.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *Channel) readPump() {
	defer c.Close()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			logger.Log.Info("channel read error",
				zap.String("channel", c.name),
				zap.Error(err),
			)
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			logger.Log.Warn("channel bad frame", zap.String("channel", c.name), zap.Error(err))
			continue
		}

		if f.Event == ackEvent {
			c.mu.Lock()
			ack, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ack <- f.Data
			}
			continue
		}

		c.mu.Lock()
		handler := c.handlers[f.Event]
		c.mu.Unlock()
		if handler != nil {
			handler(f.Data)
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func marshal(data interface{}) json.RawMessage {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		logger.Log.Warn("marshal emit payload", zap.Error(err))
		return nil
	}
	return raw
}
