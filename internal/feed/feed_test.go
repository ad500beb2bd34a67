package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const validEnvelope = `{"sport":"Cricket","batch":{"name":"match lines","outcomes":[{"name":"1","header":"","handicap":"","odd":"1.9"}]}}`

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{name: "valid", data: validEnvelope},
		{name: "malformed json", data: `{"sport":`, wantErr: true},
		{name: "missing sport", data: `{"batch":{"name":"match lines"}}`, wantErr: true},
		{name: "blank sport", data: `{"sport":"  ","batch":{"name":"match lines"}}`, wantErr: true},
		{name: "missing batch name", data: `{"sport":"Cricket","batch":{"outcomes":[]}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := DecodeEnvelope([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEnvelope) {
					t.Fatalf("err = %v, want ErrInvalidEnvelope", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if b.Sport != "Cricket" || b.Batch.Name != "match lines" || len(b.Batch.Outcomes) != 1 {
				t.Fatalf("decoded %+v", b)
			}
			if got := b.Batch.Outcomes[0].Odd.String(); got != "1.9" {
				t.Errorf("odd = %s, want 1.9", got)
			}
		})
	}
}

func TestWSFeedSubscribesAndDispatches(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeCommand, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd subscribeCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd

		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(validEnvelope))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	got := make(chan domain.SportBatch, 4)
	handler := func(_ context.Context, b domain.SportBatch) error {
		got <- b
		return nil
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := NewWSFeed(url, []string{"Cricket"}, handler, discardLogger())

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	select {
	case cmd := <-subscribed:
		if cmd.Type != "subscribe" || len(cmd.Sports) != 1 || cmd.Sports[0] != "Cricket" {
			t.Fatalf("subscribe command = %+v", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe command received")
	}

	select {
	case b := <-got:
		if b.Sport != "Cricket" || b.Batch.Name != "match lines" {
			t.Fatalf("batch = %+v", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no batch dispatched")
	}

	f.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after Close")
	}

	if len(got) != 0 {
		t.Errorf("unexpected extra batches: %d", len(got))
	}
}

func TestWSFeedStopsOnContextCancel(t *testing.T) {
	f := NewWSFeed("ws://127.0.0.1:1/unreachable", nil, func(context.Context, domain.SportBatch) error { return nil }, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

type fakeBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]chan []byte)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch, ok := b.subs[channel]
	b.mu.Unlock()
	if ok {
		ch <- payload
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 8)
	b.subs[channel] = ch
	return ch, nil
}

func (b *fakeBus) close(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.subs[channel])
	delete(b.subs, channel)
}

func TestBusFeed(t *testing.T) {
	bus := newFakeBus()

	var mu sync.Mutex
	var batches []domain.SportBatch
	handler := func(_ context.Context, b domain.SportBatch) error {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, b)
		if b.Sport == "Tennis" {
			return errors.New("no config")
		}
		return nil
	}

	f := NewBusFeed(bus, handler, discardLogger())
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		bus.mu.Lock()
		_, ok := bus.subs[domain.ChannelBatches]
		bus.mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bus feed never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tennis, _ := json.Marshal(domain.SportBatch{Sport: "Tennis", Batch: domain.InputBatch{Name: "Match Winner"}})
	ctx := context.Background()
	_ = bus.Publish(ctx, domain.ChannelBatches, []byte(validEnvelope))
	_ = bus.Publish(ctx, domain.ChannelBatches, []byte(`{"sport":""}`))
	_ = bus.Publish(ctx, domain.ChannelBatches, tennis)
	bus.close(domain.ChannelBatches)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after channel close")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("handled %d batches, want 2", len(batches))
	}
	if batches[0].Sport != "Cricket" || batches[1].Sport != "Tennis" {
		t.Errorf("batches = %+v", batches)
	}
}
