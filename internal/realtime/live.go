package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tably/tably/config"
	"github.com/tably/tably/errs"
	"github.com/tably/tably/internal/observability"
	"github.com/tably/tably/internal/schema"
)

// The backend limits control messages (subscribe re-issues) per connection;
// pace them instead of bursting after a reconnect.
const controlMessagesPerSecond = 5

// DialFunc opens a websocket connection. Injectable for tests.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil)
	return conn, err
}

type controlRequest struct {
	Action  string   `json:"action"`
	Filters []string `json:"filters,omitempty"`
	ID      uint64   `json:"id"`
}

// liveStrategy maintains one physical socket with automatic recovery. The
// run loop owns the connection end to end: dial, re-issue filters, flush the
// outbox, read until failure, then wait out the fixed backoff and try again.
// The single loop is what guarantees at most one pending retry at a time.
type liveStrategy struct {
	url            string
	reconnectDelay time.Duration
	dial           DialFunc
	hooks          transportHooks
	logger         observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conn   *websocket.Conn

	outMu  sync.Mutex
	outbox []schema.Frame

	limiter *rate.Limiter
	msgID   atomic.Uint64

	everConnected atomic.Bool
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// newLiveStrategy builds the live transport. Errors here are construction
// failures: the caller degrades to the simulated strategy instead of
// surfacing them.
func newLiveStrategy(cfg config.Settings, identity string, dial DialFunc, hooks transportHooks, logger observability.Logger) (*liveStrategy, error) {
	endpoint, err := liveEndpoint(cfg, identity)
	if err != nil {
		return nil, err
	}
	if dial == nil {
		dial = defaultDial
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &liveStrategy{
		url:            endpoint,
		reconnectDelay: delay,
		dial:           dial,
		hooks:          hooks,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		limiter:        rate.NewLimiter(rate.Limit(controlMessagesPerSecond), 1),
	}, nil
}

// liveEndpoint derives the connection URL: the configured socket endpoint
// with the auth token and connection identity attached as query parameters.
// Role-specific credentials override the generic one.
func liveEndpoint(cfg config.Settings, identity string) (string, error) {
	raw := strings.TrimSpace(cfg.SocketURL)
	if raw == "" {
		return "", errs.New("realtime/live", errs.CodeInvalid, errs.WithMessage("socket URL not configured"))
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", errs.New("realtime/live", errs.CodeInvalid,
			errs.WithMessage("malformed socket URL"), errs.WithCause(err))
	}
	q := parsed.Query()
	if token := cfg.Token(cfg.Role); token != "" {
		q.Set("token", token)
	}
	q.Set("identity", identity)
	q.Set("role", cfg.Role)
	q.Set("venue", cfg.Venue)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func (s *liveStrategy) connect(context.Context) error {
	s.wg.Add(1)
	go s.run()
	return nil
}

// run maintains the connection until the strategy is closed.
func (s *liveStrategy) run() {
	defer s.wg.Done()

	bo := backoff.NewConstantBackOff(s.reconnectDelay)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.dial(s.ctx, s.url)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error("realtime dial failed",
				observability.Field{Key: "error", Value: err.Error()})
			if !s.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.everConnected.Store(true)

		// Re-issue every registered filter before flushing buffered
		// publishes, so nothing slips between reconnect and re-subscription.
		if err := s.sendSubscribe(conn, s.hooks.filters()); err != nil {
			s.logger.Error("resubscribe after reconnect failed",
				observability.Field{Key: "error", Value: err.Error()})
		}
		s.flushOutbox(conn)

		s.hooks.onState(true)

		if err := s.readLoop(conn); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("realtime read loop ended",
				observability.Field{Key: "error", Value: err.Error()})
		}

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		s.hooks.onState(false)

		if !s.sleep(s.reconnectDelay) {
			return
		}
	}
}

func (s *liveStrategy) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *liveStrategy) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(s.ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		frame, ok := schema.DecodeFrame(data)
		if !ok {
			continue
		}
		s.hooks.onFrame(frame)
	}
}

func (s *liveStrategy) publish(ctx context.Context, frame schema.Frame) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		// Mid-reconnect of an established session: buffer until the run
		// loop has re-subscribed on the fresh socket.
		if s.everConnected.Load() && s.ctx.Err() == nil {
			s.outMu.Lock()
			s.outbox = append(s.outbox, frame)
			s.outMu.Unlock()
			return nil
		}
		return errs.New("realtime/publish", errs.CodeUnavailable,
			errs.WithMessage("live channel is not connected"),
			errs.WithCanonicalCode(errs.CanonicalNotConnected))
	}
	return s.writeFrame(ctx, conn, frame)
}

func (s *liveStrategy) writeFrame(ctx context.Context, conn *websocket.Conn, frame schema.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return errs.New("realtime/publish", errs.CodeInvalid,
			errs.WithMessage("encode frame"), errs.WithCause(err))
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("realtime/publish", errs.CodeNetwork,
			errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

func (s *liveStrategy) flushOutbox(conn *websocket.Conn) {
	s.outMu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.outMu.Unlock()
	for _, frame := range pending {
		if err := s.writeFrame(s.ctx, conn, frame); err != nil {
			s.logger.Error("flush buffered publish failed",
				observability.Field{Key: "topic", Value: frame.Topic},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

// subscribe forwards newly registered filters to the open socket. When the
// socket is down the run loop re-issues the full filter set on reconnect, so
// nothing needs buffering here.
func (s *liveStrategy) subscribe(filters []string) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return nil
	}
	return s.sendSubscribe(conn, filters)
}

func (s *liveStrategy) sendSubscribe(conn *websocket.Conn, filters []string) error {
	if len(filters) == 0 {
		return nil
	}
	if err := s.limiter.Wait(s.ctx); err != nil {
		return fmt.Errorf("pace subscribe: %w", err)
	}
	req := controlRequest{
		Action:  "subscribe",
		Filters: filters,
		ID:      s.msgID.Add(1),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write subscribe request: %w", err)
	}
	return nil
}

func (s *liveStrategy) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
			s.conn = nil
		}
		s.connMu.Unlock()
		s.wg.Wait()
	})
}

func (s *liveStrategy) mock() bool { return false }
