package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/tably/tably/config"
	"github.com/tably/tably/internal/observability"
	"github.com/tably/tably/internal/schema"
)

func TestLiveEndpointCarriesCredentialsAndIdentity(t *testing.T) {
	cfg := config.Apply(config.Default(),
		config.WithSocketURL("wss://rt.example.com/channel"),
		config.WithVenue("bistro"),
		config.WithRole("waiter"),
		config.WithToken(config.GenericTokenKey, "generic-token"),
		config.WithToken("waiter", "waiter-token"),
	)

	endpoint, err := liveEndpoint(cfg, "bistro:waiter:production:tab-1")
	if err != nil {
		t.Fatalf("liveEndpoint: %v", err)
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := parsed.Query()
	if q.Get("token") != "waiter-token" {
		t.Fatalf("role token must win, got %q", q.Get("token"))
	}
	if q.Get("identity") != "bistro:waiter:production:tab-1" {
		t.Fatalf("identity = %q", q.Get("identity"))
	}
	if q.Get("venue") != "bistro" || q.Get("role") != "waiter" {
		t.Fatalf("venue/role = %q/%q", q.Get("venue"), q.Get("role"))
	}
}

func TestLiveEndpointFallsBackToGenericToken(t *testing.T) {
	cfg := config.Apply(config.Default(),
		config.WithSocketURL("wss://rt.example.com/channel"),
		config.WithRole("cook"),
		config.WithToken(config.GenericTokenKey, "generic-token"),
	)
	endpoint, err := liveEndpoint(cfg, "id")
	if err != nil {
		t.Fatalf("liveEndpoint: %v", err)
	}
	if !strings.Contains(endpoint, "token=generic-token") {
		t.Fatalf("generic fallback missing: %s", endpoint)
	}
}

func TestLiveStrategyConstructionFailsWithoutURL(t *testing.T) {
	if _, err := newLiveStrategy(config.Default(), "id", nil, transportHooks{}, observability.Log()); err == nil {
		t.Fatal("expected construction failure without socket URL")
	}
}

func TestLivePublishBeforeFirstConnectIsRejected(t *testing.T) {
	cfg := config.Apply(config.Default(), config.WithSocketURL("wss://rt.example.com/channel"))
	strat, err := newLiveStrategy(cfg, "id", nil, transportHooks{}, observability.Log())
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	defer strat.close()

	err = strat.publish(context.Background(), schema.Frame{Topic: "demo/orders/placed"})
	if err == nil {
		t.Fatal("publish before any session must fail")
	}
}

func TestLivePublishBuffersDuringReconnectWindow(t *testing.T) {
	cfg := config.Apply(config.Default(), config.WithSocketURL("wss://rt.example.com/channel"))
	strat, err := newLiveStrategy(cfg, "id", nil, transportHooks{}, observability.Log())
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	defer strat.close()

	strat.everConnected.Store(true)
	if err := strat.publish(context.Background(), schema.Frame{Topic: "demo/orders/placed"}); err != nil {
		t.Fatalf("reconnect-window publish must buffer, got %v", err)
	}
	strat.outMu.Lock()
	buffered := len(strat.outbox)
	strat.outMu.Unlock()
	if buffered != 1 {
		t.Fatalf("outbox = %d frames, want 1", buffered)
	}
}

type wsMessage struct {
	kind string // "control" or "frame"
	raw  []byte
}

// echoServer accepts sequential websocket sessions and funnels every inbound
// text message to the test.
type echoServer struct {
	server   *httptest.Server
	sessions chan *websocket.Conn
	inbound  chan wsMessage
	conns    atomic.Int64
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{
		sessions: make(chan *websocket.Conn, 4),
		inbound:  make(chan wsMessage, 64),
	}
	es.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		es.conns.Add(1)
		es.sessions <- conn
		ctx := r.Context()
		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if msgType != websocket.MessageText {
				continue
			}
			kind := "frame"
			var ctrl controlRequest
			if err := json.Unmarshal(data, &ctrl); err == nil && ctrl.Action != "" {
				kind = "control"
			}
			es.inbound <- wsMessage{kind: kind, raw: data}
		}
	}))
	t.Cleanup(es.server.Close)
	return es
}

func (es *echoServer) wsURL() string {
	return "ws://" + strings.TrimPrefix(es.server.URL, "http://")
}

func (es *echoServer) next(t *testing.T) wsMessage {
	t.Helper()
	select {
	case msg := <-es.inbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return wsMessage{}
	}
}

func (es *echoServer) session(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-es.sessions:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for websocket session")
		return nil
	}
}

func TestLiveEndToEndSubscribeAndDeliver(t *testing.T) {
	es := newEchoServer(t)

	cfg := config.Apply(config.Default(),
		config.WithSocketURL(es.wsURL()),
		config.WithVenue("demo"),
		config.WithRole("cook"),
		config.WithToken(config.GenericTokenKey, "secret"),
		config.WithReconnectDelay(50*time.Millisecond),
	)
	svc := NewService(Options{Config: cfg})
	defer svc.Disconnect()

	var calls atomic.Int64
	if err := svc.Subscribe("demo/orders/placed", "board", func(frame schema.Frame) {
		calls.Add(1)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc.Connect(context.Background())
	conn := es.session(t)

	// The filter registered before connect is re-issued on session open.
	msg := es.next(t)
	if msg.kind != "control" {
		t.Fatalf("first message must be the subscribe control frame, got %s", msg.raw)
	}
	var ctrl controlRequest
	if err := json.Unmarshal(msg.raw, &ctrl); err != nil {
		t.Fatalf("decode control: %v", err)
	}
	if len(ctrl.Filters) != 1 || ctrl.Filters[0] != "demo/orders/placed" {
		t.Fatalf("filters = %v", ctrl.Filters)
	}

	waitFor(t, svc.IsConnected, "service never reported connected")

	// Server pushes a frame; the subscriber receives it.
	data, err := schema.EncodeFrame("demo/orders/placed", map[string]any{"id": "ord-1", "status": "PLACED"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 1 }, "frame never delivered")

	// Client publish reaches the server as a data frame.
	if err := svc.Publish(context.Background(), "demo/orders/items", map[string]any{"id": "ord-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg = es.next(t)
	if msg.kind != "frame" {
		t.Fatalf("expected data frame, got %s", msg.raw)
	}
	frame, ok := schema.DecodeFrame(msg.raw)
	if !ok || frame.Topic != "demo/orders/items" {
		t.Fatalf("frame = %+v ok=%v", frame, ok)
	}
}

func TestLiveReconnectResubscribesBeforeFlushingPublishes(t *testing.T) {
	es := newEchoServer(t)

	cfg := config.Apply(config.Default(),
		config.WithSocketURL(es.wsURL()),
		config.WithVenue("demo"),
		config.WithReconnectDelay(50*time.Millisecond),
	)
	svc := NewService(Options{Config: cfg})
	defer svc.Disconnect()

	if err := svc.Subscribe("demo/orders/placed", "board", func(schema.Frame) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc.Connect(context.Background())
	first := es.session(t)
	if msg := es.next(t); msg.kind != "control" {
		t.Fatalf("expected initial subscribe, got %s", msg.raw)
	}
	waitFor(t, svc.IsConnected, "service never connected")

	// Kill the session; the client enters its reconnect window.
	_ = first.Close(websocket.StatusGoingAway, "restart")
	waitFor(t, func() bool { return !svc.IsConnected() }, "drop not observed")

	// A user action mid-reconnect is buffered, not lost and not failed.
	if err := svc.Publish(context.Background(), "demo/orders/items", map[string]any{"id": "ord-2"}); err != nil {
		t.Fatalf("mid-reconnect publish: %v", err)
	}

	es.session(t)
	// Filters must be re-applied to the fresh socket before the buffered
	// publish flushes.
	msg := es.next(t)
	if msg.kind != "control" {
		t.Fatalf("resubscribe must precede buffered publishes, got %s", msg.raw)
	}
	msg = es.next(t)
	frame, ok := schema.DecodeFrame(msg.raw)
	if !ok || frame.Topic != "demo/orders/items" {
		t.Fatalf("buffered frame = %+v ok=%v", frame, ok)
	}
	waitFor(t, svc.IsConnected, "service never reconnected")

	if got := es.conns.Load(); got != 2 {
		t.Fatalf("connections = %d, want 2", got)
	}
}
