// Package realtime implements the publish/subscribe client behind every
// dashboard: one physical channel (live socket or local simulation), a
// wildcard-capable subscription registry, and an observable connection state.
package realtime

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tably/tably/config"
	"github.com/tably/tably/errs"
	"github.com/tably/tably/internal/observability"
	"github.com/tably/tably/internal/schema"
	"github.com/tably/tably/internal/telemetry"
	"github.com/tably/tably/internal/topic"
)

// ConnState tracks the manager lifecycle.
type ConnState int

const (
	// StateIdle means no strategy is active. Initial and terminal.
	StateIdle ConnState = iota
	// StateConnecting means a strategy is active but the channel is down.
	StateConnecting
	// StateConnected means the channel is up.
	StateConnected
)

// StatusEvent is fired on every connection state transition.
type StatusEvent struct {
	Connected bool
	Mock      bool
}

// transportHooks are the callbacks a strategy uses to reach back into the
// service.
type transportHooks struct {
	onFrame func(schema.Frame)
	onState func(connected bool)
	filters func() []string
}

// strategy is one of the two interchangeable transports behind the service.
type strategy interface {
	connect(ctx context.Context) error
	publish(ctx context.Context, frame schema.Frame) error
	subscribe(filters []string) error
	close()
	mock() bool
}

// Options configures a Service. Every collaborator is injectable so isolated
// instances can coexist in tests.
type Options struct {
	Config   config.Settings
	Identity IdentityProvider
	Logger   observability.Logger
	Dial     DialFunc
}

// Service owns exactly one realtime channel and the filter registry fanned
// out over it. It is safe for concurrent use.
type Service struct {
	mu        sync.Mutex
	cfg       config.Settings
	identity  IdentityProvider
	logger    observability.Logger
	dial      DialFunc
	state     ConnState
	strat     strategy
	statusFns []func(StatusEvent)

	reg *registry

	framesRouted    metric.Int64Counter
	fanoutHistogram metric.Int64Histogram
	reconnects      metric.Int64Counter
	publishErrors   metric.Int64Counter
}

// NewService constructs an idle realtime service.
func NewService(opts Options) *Service {
	identity := opts.Identity
	if identity == nil {
		identity = NewSessionIdentity()
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Log()
	}

	s := &Service{
		cfg:      opts.Config,
		identity: identity,
		logger:   logger,
		dial:     opts.Dial,
		state:    StateIdle,
		reg:      newRegistry(),
	}

	meter := otel.Meter("realtime")
	s.framesRouted, _ = meter.Int64Counter("realtime.frames.routed",
		metric.WithDescription("Number of inbound frames routed to subscribers"),
		metric.WithUnit("{frame}"))
	s.fanoutHistogram, _ = meter.Int64Histogram("realtime.fanout.size",
		metric.WithDescription("Number of callbacks per routed frame"),
		metric.WithUnit("{callback}"))
	s.reconnects, _ = meter.Int64Counter("realtime.reconnects",
		metric.WithDescription("Number of channel state transitions to connected"),
		metric.WithUnit("{transition}"))
	s.publishErrors, _ = meter.Int64Counter("realtime.publish.errors",
		metric.WithDescription("Number of rejected publishes"),
		metric.WithUnit("{error}"))

	return s
}

// Connect activates a transport strategy. It never rejects: a live transport
// that cannot be constructed degrades to the simulated strategy, and all
// progress is observable through status events only. Connecting while a
// strategy is already active is a no-op.
func (s *Service) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.cfg.Landing {
		// Landing context must never open a channel or leak status events.
		s.mu.Unlock()
		return
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}

	s.state = StateConnecting
	s.strat = s.buildStrategyLocked()
	strat := s.strat
	s.mu.Unlock()

	s.emitStatus(StatusEvent{Connected: false, Mock: strat.mock()})

	if err := strat.connect(ctx); err != nil {
		// Strategies only fail at construction; a connect error here means
		// the loop could not start, which the simulated strategy never hits.
		s.logger.Error("strategy start failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// buildStrategyLocked selects the transport: simulated when offline, live
// otherwise, simulated again when the live transport cannot be built.
func (s *Service) buildStrategyLocked() strategy {
	hooks := transportHooks{
		onFrame: s.dispatch,
		onState: s.setConnected,
		filters: s.reg.filters,
	}
	if s.cfg.Offline {
		return newSimStrategy(hooks)
	}
	identity := ConnectionIdentity(s.cfg, s.identity.SessionID())
	live, err := newLiveStrategy(s.cfg, identity, s.dial, hooks, s.logger)
	if err != nil {
		s.logger.Error("live transport unavailable, falling back to simulation",
			observability.Field{Key: "error", Value: err.Error()})
		return newSimStrategy(hooks)
	}
	return live
}

// Subscribe registers a callback for every topic the filter covers. The key
// names the subscriber: re-subscribing the same (filter, key) pair registers
// once, while distinct subscribers always coexist, even when their callbacks
// share code. A filter whose wildcards degrade to literal matching is
// accepted but logged.
func (s *Service) Subscribe(filter, key string, h Handler) error {
	if h == nil {
		return errs.New("realtime/subscribe", errs.CodeInvalid,
			errs.WithMessage("nil handler"))
	}
	if key == "" {
		return errs.New("realtime/subscribe", errs.CodeInvalid,
			errs.WithMessage("empty subscriber key"),
			errs.WithField("filter", filter))
	}
	if err := topic.ValidateFilter(filter); err != nil {
		s.logger.Info("filter wildcards degrade to literal matching",
			observability.Field{Key: "filter", Value: filter})
	}
	if !s.reg.add(filter, key, h) {
		return nil
	}

	s.mu.Lock()
	strat := s.strat
	s.mu.Unlock()
	if strat != nil {
		if err := strat.subscribe([]string{filter}); err != nil {
			s.logger.Error("forward subscription failed",
				observability.Field{Key: "filter", Value: filter},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
	return nil
}

// Unsubscribe removes every callback registered under the exact filter string.
func (s *Service) Unsubscribe(filter string) {
	s.reg.remove(filter)
}

// Publish sends a frame over the active channel. Publishing without an active
// strategy is rejected: publishing is a user-initiated action that deserves
// feedback.
func (s *Service) Publish(ctx context.Context, topicName string, payload any) error {
	s.mu.Lock()
	strat := s.strat
	idle := s.state == StateIdle
	s.mu.Unlock()

	if idle || strat == nil {
		s.countPublishError(ctx, "not_connected")
		return errs.New("realtime/publish", errs.CodeUnavailable,
			errs.WithMessage("channel is not connected"),
			errs.WithCanonicalCode(errs.CanonicalNotConnected))
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		s.countPublishError(ctx, "encode")
		return errs.New("realtime/publish", errs.CodeInvalid,
			errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	if err := strat.publish(ctx, schema.Frame{Topic: topicName, Payload: raw}); err != nil {
		s.countPublishError(ctx, "transport")
		return err
	}
	return nil
}

// Disconnect tears the channel down, clears every registration, and returns
// the service to idle. Always reachable from any state; a later Connect
// starts fresh.
func (s *Service) Disconnect() {
	s.mu.Lock()
	strat := s.strat
	s.strat = nil
	wasIdle := s.state == StateIdle
	s.state = StateIdle
	s.mu.Unlock()

	if strat != nil {
		strat.close()
	}
	s.reg.clear()

	if !wasIdle {
		s.emitStatus(StatusEvent{Connected: false, Mock: strat != nil && strat.mock()})
	}
}

// IsConnected reports whether the channel is currently up.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

// OnStatus registers a connectivity listener invoked on every transition.
func (s *Service) OnStatus(fn func(StatusEvent)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.statusFns = append(s.statusFns, fn)
	s.mu.Unlock()
}

// SetRole records a role change. An active live channel is torn down and
// reopened under the new connection identity; registrations survive.
func (s *Service) SetRole(role string) {
	s.applyIdentityChange(config.WithRole(role))
}

// SetVenue records a tenant change, reopening the live channel like SetRole.
func (s *Service) SetVenue(venue string) {
	s.applyIdentityChange(config.WithVenue(venue))
}

func (s *Service) applyIdentityChange(opt config.Option) {
	s.mu.Lock()
	s.cfg = config.Apply(s.cfg, opt)
	strat := s.strat
	if strat == nil || strat.mock() {
		s.mu.Unlock()
		return
	}
	// Live identity changed: rebuild the strategy under the new identity.
	s.state = StateConnecting
	s.strat = s.buildStrategyLocked()
	next := s.strat
	s.mu.Unlock()

	s.emitStatus(StatusEvent{Connected: false, Mock: next.mock()})
	strat.close()
	if err := next.connect(context.Background()); err != nil {
		s.logger.Error("strategy restart failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// setConnected is the strategy state callback.
func (s *Service) setConnected(connected bool) {
	s.mu.Lock()
	if s.state == StateIdle {
		// Late callback from a strategy being torn down.
		s.mu.Unlock()
		return
	}
	if connected {
		s.state = StateConnected
	} else {
		s.state = StateConnecting
	}
	mock := s.strat != nil && s.strat.mock()
	s.mu.Unlock()

	s.emitStatus(StatusEvent{Connected: connected, Mock: mock})

	if connected && s.reconnects != nil {
		strategyName := telemetry.StrategyLive
		if mock {
			strategyName = telemetry.StrategySimulated
		}
		s.reconnects.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.ConnectionAttributes(string(s.cfg.Environment), s.cfg.Venue, "connected", strategyName)...))
	}
}

// emitStatus fires the status event to every listener, synchronously and in
// registration order. Listeners are snapshotted so they may call back into
// the service.
func (s *Service) emitStatus(evt StatusEvent) {
	s.mu.Lock()
	fns := make([]func(StatusEvent), len(s.statusFns))
	copy(fns, s.statusFns)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// dispatch routes one inbound frame to every matching callback. The callback
// set is snapshotted before invocation, so handlers may subscribe or
// unsubscribe freely mid-fanout.
func (s *Service) dispatch(frame schema.Frame) {
	handlers := s.reg.match(frame.Topic)

	ctx := context.Background()
	if s.fanoutHistogram != nil {
		s.fanoutHistogram.Record(ctx, int64(len(handlers)), metric.WithAttributes(
			telemetry.FrameAttributes(string(s.cfg.Environment), s.cfg.Venue, frame.Topic, s.strategyName())...))
	}
	if len(handlers) == 0 {
		return
	}

	workers := s.cfg.FanoutWorkers
	if workers <= 0 {
		workers = 1
	}
	p := concpool.New().WithMaxGoroutines(workers)
	for _, h := range handlers {
		handler := h
		p.Go(func() {
			handler(frame)
		})
	}
	p.Wait()

	if s.framesRouted != nil {
		s.framesRouted.Add(ctx, 1, metric.WithAttributes(
			telemetry.FrameAttributes(string(s.cfg.Environment), s.cfg.Venue, frame.Topic, s.strategyName())...))
	}
}

func (s *Service) strategyName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strat != nil && s.strat.mock() {
		return telemetry.StrategySimulated
	}
	return telemetry.StrategyLive
}

func (s *Service) countPublishError(ctx context.Context, reason string) {
	if s.publishErrors == nil {
		return
	}
	s.publishErrors.Add(ctx, 1, metric.WithAttributes(
		telemetry.ErrorAttributes(string(s.cfg.Environment), "publish", reason)...))
}
