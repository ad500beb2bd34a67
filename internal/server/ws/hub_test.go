package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketrules/internal/domain"
)

type chanBus struct {
	ch      chan []byte
	pattern chan string
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.pattern <- channel
	return b.ch, nil
}

func startHub(t *testing.T, bus domain.SignalBus) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "serve"})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("frame type = %d, want text", kind)
	}
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env.Type, env.Payload
}

func TestHubRoutesBySport(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv, "?sports=Cricket")

	if typ, _ := readEnvelope(t, conn); typ != TypeStatus {
		t.Fatalf("first frame = %q, want %q", typ, TypeStatus)
	}

	ctx := context.Background()
	hub.Publish(ctx, domain.ProcessedBatch{Sport: "tennis", Batch: "Set 1", Markets: []domain.Market{{Name: "x"}}})
	hub.Publish(ctx, domain.ProcessedBatch{Sport: "cricket", Batch: "Match Lines", Markets: []domain.Market{{Name: "y"}}})

	typ, payload := readEnvelope(t, conn)
	if typ != TypeBatchProcessed {
		t.Fatalf("frame type = %q", typ)
	}
	var pb domain.ProcessedBatch
	if err := json.Unmarshal(payload, &pb); err != nil {
		t.Fatal(err)
	}
	if pb.Sport != "cricket" || pb.Batch != "Match Lines" {
		t.Errorf("received %+v, want the cricket batch", pb)
	}
}

func TestHubForwardsBusResults(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 1), pattern: make(chan string, 1)}
	_, srv := startHub(t, bus)

	select {
	case p := <-bus.pattern:
		if p != "ch:results:*" {
			t.Errorf("subscribed to %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub never subscribed")
	}

	conn := dial(t, srv, "")
	readEnvelope(t, conn)

	data, _ := json.Marshal(domain.ProcessedBatch{Sport: "cricket", Batch: "Runs at Fall of 1st Wicket"})
	bus.ch <- data

	typ, payload := readEnvelope(t, conn)
	if typ != TypeBatchProcessed {
		t.Fatalf("frame type = %q", typ)
	}
	if !strings.Contains(string(payload), "Runs at Fall of 1st Wicket") {
		t.Errorf("payload = %s", payload)
	}
}

func TestClientSubscription(t *testing.T) {
	c := &client{sports: map[string]bool{}}
	if !c.wants("cricket") {
		t.Fatal("client without subscriptions must receive every sport")
	}
	c.handleSubscription(subscribeMsg{Action: "subscribe", Sports: []string{" Tennis "}})
	if c.wants("cricket") || !c.wants("tennis") {
		t.Errorf("subscriptions = %v", c.sports)
	}
	c.handleSubscription(subscribeMsg{Action: "unsubscribe"})
	if !c.wants("cricket") {
		t.Error("unsubscribe without sports must reset to every sport")
	}
}
