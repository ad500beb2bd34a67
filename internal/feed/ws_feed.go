package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout  = 15 * time.Second
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// subscribeCommand is sent after connecting when the feed is restricted to
// a set of sports.
type subscribeCommand struct {
	Type   string   `json:"type"`
	Sports []string `json:"sports"`
}

// WSFeed reads batch envelopes from a WebSocket endpoint and hands them to a
// BatchHandler. It reconnects with exponential backoff until stopped.
type WSFeed struct {
	url     string
	sports  []string
	handler BatchHandler
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSFeed creates a feed for url. When sports is non-empty a subscribe
// command naming them is sent on every connection.
func NewWSFeed(url string, sports []string, handler BatchHandler, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:     url,
		sports:  sports,
		handler: handler,
		logger:  logger.With(slog.String("component", "ws_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and consumes batches until ctx is cancelled or Close is called.
func (f *WSFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.done:
			return nil
		default:
		}
		if connected {
			delay = reconnectDelay
		}
		f.logger.Warn("ws feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// runConnection serves one connection. connected reports whether the
// handshake succeeded, which resets the backoff.
func (f *WSFeed) runConnection(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("feed/ws: connect: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	if len(f.sports) > 0 {
		data, err := json.Marshal(subscribeCommand{Type: "subscribe", Sports: f.sports})
		if err != nil {
			return true, fmt.Errorf("feed/ws: marshal subscribe: %w", err)
		}
		if err := write(websocket.TextMessage, data); err != nil {
			return true, fmt.Errorf("feed/ws: subscribe: %w", err)
		}
	}
	f.logger.Info("ws feed connected", slog.String("url", f.url), slog.Any("sports", f.sports))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			case <-f.done:
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed/ws: read: %w: %v", domain.ErrWSDisconnect, err)
		}
		f.dispatch(ctx, message)
	}
}

func (f *WSFeed) dispatch(ctx context.Context, message []byte) {
	b, err := DecodeEnvelope(message)
	if err != nil {
		f.logger.Debug("ws feed dropped message",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(message)),
		)
		return
	}
	if err := f.handler(ctx, b); err != nil {
		f.logger.Warn("ws feed batch failed",
			slog.String("sport", b.Sport),
			slog.String("batch", b.Batch.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops the feed.
func (f *WSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
