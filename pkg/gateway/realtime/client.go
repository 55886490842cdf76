package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("realtime connection closed")

const (
	defaultEventBuffer  = 256
	defaultSendQueue    = 64
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
)

type Config struct {
	URL          string
	APIKey       string
	Model        string
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
	EventBuffer  int
	SendQueue    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

// Client is a Conn over a gorilla websocket. A read goroutine decodes
// provider events; a writer goroutine owns every write so commands from the
// session loop never interleave with pings.
type Client struct {
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	events chan Event
	send   chan []byte
	done   chan struct{}

	closeOnce  sync.Once
	writerDone chan struct{}
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("realtime url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if model := strings.TrimSpace(cfg.Model); model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return NewClient(ws, cfg), nil
}

// NewClient wraps an established websocket and starts its goroutines.
func NewClient(ws *websocket.Conn, cfg Config) *Client {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}
	c := &Client{
		ws:         ws,
		cfg:        cfg,
		logger:     logger,
		events:     make(chan Event, cfg.EventBuffer),
		send:       make(chan []byte, cfg.SendQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Events is closed when the connection ends.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	return c.command(ctx, map[string]any{"type": "session.update", "session": cfg})
}

func (c *Client) CreateResponse(ctx context.Context, opts ResponseOptions) error {
	msg := map[string]any{"type": "response.create"}
	if opts.Instructions != "" || len(opts.Metadata) > 0 {
		msg["response"] = opts
	}
	return c.command(ctx, msg)
}

func (c *Client) CancelResponse(ctx context.Context, responseID string) error {
	msg := map[string]any{"type": "response.cancel"}
	if responseID != "" {
		msg["response_id"] = responseID
	}
	return c.command(ctx, msg)
}

func (c *Client) AppendItem(ctx context.Context, item Item) error {
	return c.command(ctx, map[string]any{"type": "conversation.item.create", "item": item})
}

func (c *Client) AppendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.command(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *Client) command(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode realtime command: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops both goroutines. Queued commands are flushed for up to one
// write timeout before the socket is closed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		timer := time.NewTimer(c.cfg.WriteTimeout)
		defer timer.Stop()
		select {
		case <-c.writerDone:
		case <-timer.C:
		}
		_ = c.ws.Close()
	})
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("realtime read failed", "error", err)
				c.deliver(Event{Type: EventError, Err: &ErrorDetail{Type: "transport", Message: err.Error()}})
			}
			return
		}
		ev, ok, err := DecodeEvent(data)
		if err != nil {
			c.logger.Debug("realtime event skipped", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if !c.deliver(ev) {
			return
		}
	}
}

func (c *Client) deliver(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) writeLoop() {
	defer close(c.writerDone)
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.flushOnShutdown()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Warn("realtime ping failed", "error", err)
				_ = c.ws.Close()
				return
			}
		case raw := <-c.send:
			if err := c.write(raw); err != nil {
				c.logger.Warn("realtime write failed", "error", err)
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *Client) flushOnShutdown() {
	for i := 0; i < 8; i++ {
		select {
		case raw := <-c.send:
			if err := c.write(raw); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(raw []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

var _ Conn = (*Client)(nil)
