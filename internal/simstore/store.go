// Package simstore is an in-process stand-in for the ordering backend. It
// holds orders in memory, drives the same lifecycle transitions the real
// service enforces, and publishes the same venue frames, so dashboards wired
// against it behave exactly as they would against the live channel.
package simstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tably/tably/errs"
	"github.com/tably/tably/internal/observability"
	"github.com/tably/tably/internal/schema"
	"github.com/tably/tably/internal/topic"
)

// Publisher pushes a frame payload onto a venue topic. Satisfied by the
// realtime service.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Option configures a Store.
type Option func(*Store)

// WithTables seeds the table-id to human label map used on placed orders.
func WithTables(tables map[string]string) Option {
	return func(s *Store) {
		for id, label := range tables {
			s.tables[id] = label
		}
	}
}

// WithLogger overrides the package-global logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store keeps the venue's orders and owns every mutation of them. All methods
// are safe for concurrent use.
type Store struct {
	venue  string
	pub    Publisher
	logger observability.Logger
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]*schema.Order
	tables map[string]string
}

// New builds a store for one venue. Frames for every accepted mutation go out
// through pub; a nil pub keeps the store silent, which tests use.
func New(venue string, pub Publisher, opts ...Option) *Store {
	s := &Store{
		venue:  venue,
		pub:    pub,
		logger: observability.Log(),
		now:    time.Now,
		orders: make(map[string]*schema.Order),
		tables: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// PlaceOrderItem is one requested line of a new order.
type PlaceOrderItem struct {
	ItemID            string
	Quantity          int
	UnitPrice         decimal.Decimal
	SelectedModifiers map[string]string
	Station           string
}

// PlaceOrderRequest is the customer-side order submission.
type PlaceOrderRequest struct {
	TableID string
	Note    string
	Items   []PlaceOrderItem
}

// PlaceOrder validates and records a new PLACED order, recomputes its total
// from the line items, and publishes the placed and item frames.
func (s *Store) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*schema.Order, error) {
	if req.TableID == "" {
		return nil, errs.New("simstore/place", errs.CodeInvalid,
			errs.WithMessage("table id is required"))
	}
	if len(req.Items) == 0 {
		return nil, errs.New("simstore/place", errs.CodeInvalid,
			errs.WithMessage("an order needs at least one item"))
	}
	for _, it := range req.Items {
		if it.ItemID == "" || it.Quantity <= 0 {
			return nil, errs.New("simstore/place", errs.CodeInvalid,
				errs.WithMessage("every line needs an item id and a positive quantity"),
				errs.WithField("itemId", it.ItemID))
		}
	}

	order := &schema.Order{
		ID:        uuid.NewString(),
		TableID:   req.TableID,
		Status:    schema.OrderPlaced,
		Note:      req.Note,
		CreatedAt: s.now().UTC(),
		Items:     make([]schema.OrderItem, 0, len(req.Items)),
	}
	for _, it := range req.Items {
		order.Items = append(order.Items, schema.OrderItem{
			ID:                uuid.NewString(),
			ItemID:            it.ItemID,
			Quantity:          it.Quantity,
			UnitPrice:         it.UnitPrice,
			SelectedModifiers: it.SelectedModifiers,
			Station:           it.Station,
			Status:            schema.ItemPlaced,
		})
	}
	order.RecomputeTotal()

	s.mu.Lock()
	order.TableLabel = s.tables[req.TableID]
	s.orders[order.ID] = order
	snapshot := order.Clone()
	s.mu.Unlock()

	s.broadcast(ctx, snapshot)
	return snapshot, nil
}

// AcceptOrder moves a PLACED order to PREPARING and stamps every pending item
// as accepted. Kitchen action.
func (s *Store) AcceptOrder(ctx context.Context, orderID string, actor schema.Role) (*schema.Order, error) {
	return s.transition(ctx, orderID, actor, schema.OrderPreparing, func(o *schema.Order) {
		for i := range o.Items {
			s.acceptItemLocked(&o.Items[i])
		}
	})
}

// AcceptItem accepts a single line. The order advances to PREPARING on the
// first accepted item. Kitchen action.
func (s *Store) AcceptItem(ctx context.Context, orderID, itemID string, actor schema.Role) (*schema.Order, error) {
	return s.mutateItem(ctx, orderID, itemID, actor, schema.OrderPreparing, s.acceptItemLocked)
}

// MarkReady moves a PREPARING order to READY. Unless override is set, every
// line must already be accepted. Kitchen action.
func (s *Store) MarkReady(ctx context.Context, orderID string, actor schema.Role, override bool) (*schema.Order, error) {
	return s.transition(ctx, orderID, actor, schema.OrderReady, func(o *schema.Order) {}, func(o *schema.Order) error {
		if override {
			return nil
		}
		for _, it := range o.Items {
			if it.Status != schema.ItemAccepted && it.Status != schema.ItemServed {
				return errs.New("simstore/ready", errs.CodeConflict,
					errs.WithMessage("not every item has been accepted"),
					errs.WithCanonicalCode(errs.CanonicalInvalidTransition),
					errs.WithField("itemId", it.ID))
			}
		}
		return nil
	})
}

// ServeOrder moves a READY order to SERVED and stamps every line as served.
// Waiter action.
func (s *Store) ServeOrder(ctx context.Context, orderID string, actor schema.Role) (*schema.Order, error) {
	return s.transition(ctx, orderID, actor, schema.OrderServed, func(o *schema.Order) {
		for i := range o.Items {
			s.serveItemLocked(&o.Items[i])
		}
	})
}

// ServeItem serves a single line. When the whole order is READY and every line
// has been served, the order advances to SERVED. Waiter action.
func (s *Store) ServeItem(ctx context.Context, orderID, itemID string, actor schema.Role) (*schema.Order, error) {
	return s.mutateItem(ctx, orderID, itemID, actor, schema.OrderServed, s.serveItemLocked)
}

// SettleOrder moves a SERVED order to PAID. Waiter or manager action.
func (s *Store) SettleOrder(ctx context.Context, orderID string, actor schema.Role) (*schema.Order, error) {
	return s.transition(ctx, orderID, actor, schema.OrderPaid, func(o *schema.Order) {})
}

// CancelOrder voids an order that has not yet been served. Waiter or manager
// action.
func (s *Store) CancelOrder(ctx context.Context, orderID string, actor schema.Role) (*schema.Order, error) {
	return s.transition(ctx, orderID, actor, schema.OrderCancelled, func(o *schema.Order) {})
}

// PurgeOrder deletes an order outright. This is the only deletion path and it
// is reserved for the admin role; every other actor only moves orders through
// the lifecycle.
func (s *Store) PurgeOrder(ctx context.Context, orderID string, actor schema.Role) error {
	if actor != schema.RoleAdmin {
		return errs.New("simstore/purge", errs.CodeAuth,
			errs.WithMessage("only admins may purge orders"),
			errs.WithCanonicalCode(errs.CanonicalActorForbidden),
			errs.WithField("role", string(actor)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return errs.New("simstore/purge", errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithField("orderId", orderID))
	}
	delete(s.orders, orderID)
	return nil
}

// Order returns a deep copy of one order.
func (s *Store) Order(orderID string) (*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, errs.New("simstore/get", errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithField("orderId", orderID))
	}
	return order.Clone(), nil
}

// Orders returns deep copies of every order, oldest first.
func (s *Store) Orders() []*schema.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*schema.Order, 0, len(s.orders))
	for _, order := range s.orders {
		out = append(out, order.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// transition applies one lifecycle move under the actor and transition tables.
// Guards run before any mutation, so a rejected call leaves the order exactly
// as it was.
func (s *Store) transition(ctx context.Context, orderID string, actor schema.Role, next schema.OrderStatus, apply func(*schema.Order), guards ...func(*schema.Order) error) (*schema.Order, error) {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, errs.New("simstore/transition", errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithField("orderId", orderID))
	}
	if !next.AllowedActor(actor) {
		s.mu.Unlock()
		return nil, errs.New("simstore/transition", errs.CodeAuth,
			errs.WithMessage("role may not drive this transition"),
			errs.WithCanonicalCode(errs.CanonicalActorForbidden),
			errs.WithField("role", string(actor)),
			errs.WithField("to", string(next)))
	}
	if !order.Status.CanTransition(next) {
		s.mu.Unlock()
		return nil, errs.New("simstore/transition", errs.CodeConflict,
			errs.WithMessage("lifecycle does not allow this move"),
			errs.WithCanonicalCode(errs.CanonicalInvalidTransition),
			errs.WithField("from", string(order.Status)),
			errs.WithField("to", string(next)))
	}
	for _, guard := range guards {
		if err := guard(order); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}

	order.Status = next
	apply(order)
	snapshot := order.Clone()
	s.mu.Unlock()

	s.broadcast(ctx, snapshot)
	return snapshot, nil
}

// mutateItem applies a kitchen or waiter action to one line. The order status
// advances to orderNext only when the lifecycle table allows it; otherwise the
// item stamp stands alone.
func (s *Store) mutateItem(ctx context.Context, orderID, itemID string, actor schema.Role, orderNext schema.OrderStatus, apply func(*schema.OrderItem) bool) (*schema.Order, error) {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, errs.New("simstore/item", errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithField("orderId", orderID))
	}
	if !orderNext.AllowedActor(actor) {
		s.mu.Unlock()
		return nil, errs.New("simstore/item", errs.CodeAuth,
			errs.WithMessage("role may not drive this transition"),
			errs.WithCanonicalCode(errs.CanonicalActorForbidden),
			errs.WithField("role", string(actor)))
	}
	if order.Status.Terminal() {
		s.mu.Unlock()
		return nil, errs.New("simstore/item", errs.CodeConflict,
			errs.WithMessage("order lifecycle is already terminal"),
			errs.WithCanonicalCode(errs.CanonicalInvalidTransition),
			errs.WithField("from", string(order.Status)))
	}

	var target *schema.OrderItem
	for i := range order.Items {
		if order.Items[i].ID == itemID {
			target = &order.Items[i]
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return nil, errs.New("simstore/item", errs.CodeNotFound,
			errs.WithMessage("item not found on order"),
			errs.WithCanonicalCode(errs.CanonicalItemNotFound),
			errs.WithField("orderId", orderID),
			errs.WithField("itemId", itemID))
	}
	if !apply(target) {
		s.mu.Unlock()
		return nil, errs.New("simstore/item", errs.CodeConflict,
			errs.WithMessage("item is already at or past this state"),
			errs.WithCanonicalCode(errs.CanonicalInvalidTransition),
			errs.WithField("itemId", itemID),
			errs.WithField("status", string(target.Status)))
	}

	if order.Status.CanTransition(orderNext) && s.allItemsAt(order, orderNext) {
		order.Status = orderNext
	}
	snapshot := order.Clone()
	s.mu.Unlock()

	s.broadcast(ctx, snapshot)
	return snapshot, nil
}

// allItemsAt reports whether every line has reached the item state implied by
// the order state, except PREPARING, which begins on the first accepted item.
func (s *Store) allItemsAt(order *schema.Order, next schema.OrderStatus) bool {
	if next == schema.OrderPreparing {
		return true
	}
	want := schema.ItemServed
	for _, it := range order.Items {
		if it.Status != want {
			return false
		}
	}
	return true
}

func (s *Store) acceptItemLocked(it *schema.OrderItem) bool {
	if !it.Status.Advances(schema.ItemAccepted) {
		return false
	}
	it.Status = schema.ItemAccepted
	if it.AcceptedAt.IsZero() {
		it.AcceptedAt = s.now().UTC()
	}
	return true
}

func (s *Store) serveItemLocked(it *schema.OrderItem) bool {
	if !it.Status.Advances(schema.ItemServed) {
		return false
	}
	it.Status = schema.ItemServed
	if it.AcceptedAt.IsZero() {
		it.AcceptedAt = s.now().UTC()
	}
	if it.ServedAt.IsZero() {
		it.ServedAt = s.now().UTC()
	}
	return true
}

// broadcast publishes the mutated order on the venue-wide placed topic, on
// each station-scoped placed topic its items name, and on the items topic.
// Publish failures are logged, never surfaced: the mutation already committed.
func (s *Store) broadcast(ctx context.Context, order *schema.Order) {
	if s.pub == nil {
		return
	}
	topics := []string{topic.OrdersPlaced(s.venue)}
	seen := map[string]bool{}
	for _, it := range order.Items {
		if it.Station != "" && !seen[it.Station] {
			seen[it.Station] = true
			topics = append(topics, topic.OrdersPlaced(s.venue, it.Station))
		}
	}
	topics = append(topics, topic.OrderItems(s.venue))

	for _, t := range topics {
		if err := s.pub.Publish(ctx, t, order); err != nil {
			s.logger.Error("simstore broadcast failed",
				observability.Field{Key: "topic", Value: t},
				observability.Field{Key: "orderId", Value: order.ID},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}
