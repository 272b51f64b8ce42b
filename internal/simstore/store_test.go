package simstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tably/tably/errs"
	"github.com/tably/tably/internal/schema"
)

type capturingPublisher struct {
	frames []capturedFrame
}

type capturedFrame struct {
	topic   string
	payload any
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, payload any) error {
	p.frames = append(p.frames, capturedFrame{topic: topic, payload: payload})
	return nil
}

func (p *capturingPublisher) topics() []string {
	out := make([]string, 0, len(p.frames))
	for _, f := range p.frames {
		out = append(out, f.topic)
	}
	return out
}

func newTestStore(pub Publisher) *Store {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tick := 0
	return New("bistro", pub,
		WithTables(map[string]string{"t-4": "Table 4"}),
		WithClock(func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}),
	)
}

func placeTwoLineOrder(t *testing.T, s *Store) *schema.Order {
	t.Helper()
	order, err := s.PlaceOrder(context.Background(), PlaceOrderRequest{
		TableID: "t-4",
		Note:    "no onions",
		Items: []PlaceOrderItem{
			{ItemID: "burger", Quantity: 2, UnitPrice: decimal.RequireFromString("9.50"), Station: "kitchen"},
			{ItemID: "lemonade", Quantity: 1, UnitPrice: decimal.RequireFromString("3.25"), Station: "bar"},
		},
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	return order
}

func wantCanonical(t *testing.T, err error, code errs.CanonicalCode) {
	t.Helper()
	var e *errs.E
	if !errors.As(err, &e) {
		t.Fatalf("error %v is not an errs envelope", err)
	}
	if e.Canonical != code {
		t.Fatalf("canonical = %s, want %s", e.Canonical, code)
	}
}

func TestPlaceOrderRecordsCanonicalOrder(t *testing.T) {
	pub := &capturingPublisher{}
	s := newTestStore(pub)
	order := placeTwoLineOrder(t, s)

	if order.ID == "" || order.Items[0].ID == "" {
		t.Fatal("order and item ids must be generated")
	}
	if order.Status != schema.OrderPlaced {
		t.Fatalf("status = %s", order.Status)
	}
	if order.TableLabel != "Table 4" {
		t.Fatalf("table label = %q", order.TableLabel)
	}
	if !order.Total.Equal(decimal.RequireFromString("22.25")) {
		t.Fatalf("total = %s, want 22.25", order.Total)
	}
	if order.CreatedAt.IsZero() {
		t.Fatal("createdAt must be stamped")
	}
	for _, it := range order.Items {
		if it.Status != schema.ItemPlaced {
			t.Fatalf("item status = %s", it.Status)
		}
	}

	// Venue-wide placed, one placed topic per station, then the items topic.
	want := []string{
		"bistro/orders/placed",
		"bistro/orders/placed/kitchen",
		"bistro/orders/placed/bar",
		"bistro/orders/items",
	}
	got := pub.topics()
	if len(got) != len(want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("topics = %v, want %v", got, want)
		}
	}
}

func TestPlaceOrderRejectsInvalidRequests(t *testing.T) {
	s := newTestStore(nil)
	cases := []PlaceOrderRequest{
		{TableID: "", Items: []PlaceOrderItem{{ItemID: "burger", Quantity: 1}}},
		{TableID: "t-4"},
		{TableID: "t-4", Items: []PlaceOrderItem{{ItemID: "", Quantity: 1}}},
		{TableID: "t-4", Items: []PlaceOrderItem{{ItemID: "burger", Quantity: 0}}},
	}
	for i, req := range cases {
		if _, err := s.PlaceOrder(context.Background(), req); err == nil {
			t.Fatalf("case %d must be rejected", i)
		}
	}
	if len(s.Orders()) != 0 {
		t.Fatal("rejected requests must not persist anything")
	}
}

func TestFullLifecycleHappyPath(t *testing.T) {
	s := newTestStore(nil)
	order := placeTwoLineOrder(t, s)
	ctx := context.Background()

	order, err := s.AcceptOrder(ctx, order.ID, schema.RoleCook)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if order.Status != schema.OrderPreparing {
		t.Fatalf("status = %s", order.Status)
	}
	for _, it := range order.Items {
		if it.Status != schema.ItemAccepted || it.AcceptedAt.IsZero() {
			t.Fatalf("item = %+v", it)
		}
	}

	if order, err = s.MarkReady(ctx, order.ID, schema.RoleCook, false); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if order.Status != schema.OrderReady {
		t.Fatalf("status = %s", order.Status)
	}

	if order, err = s.ServeOrder(ctx, order.ID, schema.RoleWaiter); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if order.Status != schema.OrderServed {
		t.Fatalf("status = %s", order.Status)
	}
	for _, it := range order.Items {
		if it.Status != schema.ItemServed || it.ServedAt.IsZero() {
			t.Fatalf("item = %+v", it)
		}
	}

	if order, err = s.SettleOrder(ctx, order.ID, schema.RoleManager); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if order.Status != schema.OrderPaid {
		t.Fatalf("status = %s", order.Status)
	}
}

func TestActorGatesRejectWrongRoles(t *testing.T) {
	s := newTestStore(nil)
	order := placeTwoLineOrder(t, s)
	ctx := context.Background()

	_, err := s.AcceptOrder(ctx, order.ID, schema.RoleWaiter)
	wantCanonical(t, err, errs.CanonicalActorForbidden)

	_, err = s.CancelOrder(ctx, order.ID, schema.RoleCustomer)
	wantCanonical(t, err, errs.CanonicalActorForbidden)

	// The rejection left the order untouched.
	got, err := s.Order(order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schema.OrderPlaced {
		t.Fatalf("status after rejections = %s", got.Status)
	}
}

func TestInvalidTransitionsAreConflicts(t *testing.T) {
	s := newTestStore(nil)
	order := placeTwoLineOrder(t, s)
	ctx := context.Background()

	// PLACED cannot jump straight to SERVED or PAID.
	_, err := s.ServeOrder(ctx, order.ID, schema.RoleWaiter)
	wantCanonical(t, err, errs.CanonicalInvalidTransition)
	_, err = s.SettleOrder(ctx, order.ID, schema.RoleWaiter)
	wantCanonical(t, err, errs.CanonicalInvalidTransition)

	// Once served, cancellation is off the table.
	if _, err = s.AcceptOrder(ctx, order.ID, schema.RoleCook); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err = s.MarkReady(ctx, order.ID, schema.RoleCook, false); err != nil {
		t.Fatalf("ready: %v", err)
	}
	if _, err = s.ServeOrder(ctx, order.ID, schema.RoleWaiter); err != nil {
		t.Fatalf("serve: %v", err)
	}
	_, err = s.CancelOrder(ctx, order.ID, schema.RoleManager)
	wantCanonical(t, err, errs.CanonicalInvalidTransition)
}

func TestMarkReadyRequiresAcceptedItemsUnlessOverridden(t *testing.T) {
	s := newTestStore(nil)
	order := placeTwoLineOrder(t, s)
	ctx := context.Background()

	// Accept only the first line; the order is PREPARING but not complete.
	if _, err := s.AcceptItem(ctx, order.ID, order.Items[0].ID, schema.RoleCook); err != nil {
		t.Fatalf("accept item: %v", err)
	}
	_, err := s.MarkReady(ctx, order.ID, schema.RoleCook, false)
	wantCanonical(t, err, errs.CanonicalInvalidTransition)

	got, err := s.MarkReady(ctx, order.ID, schema.RoleCook, true)
	if err != nil {
		t.Fatalf("override ready: %v", err)
	}
	if got.Status != schema.OrderReady {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestItemLevelFlowAdvancesOrderExactlyOnce(t *testing.T) {
	s := newTestStore(nil)
	order := placeTwoLineOrder(t, s)
	ctx := context.Background()

	got, err := s.AcceptItem(ctx, order.ID, order.Items[0].ID, schema.RoleCook)
	if err != nil {
		t.Fatalf("accept item: %v", err)
	}
	if got.Status != schema.OrderPreparing {
		t.Fatal("first accepted item must move the order to PREPARING")
	}
	firstStamp := got.Items[0].AcceptedAt

	// Re-accepting the same line is a detectable conflict, not a new stamp.
	_, err = s.AcceptItem(ctx, order.ID, order.Items[0].ID, schema.RoleCook)
	wantCanonical(t, err, errs.CanonicalInvalidTransition)
	got, _ = s.Order(order.ID)
	if !got.Items[0].AcceptedAt.Equal(firstStamp) {
		t.Fatal("acceptedAt must be stamped at most once")
	}

	if _, err = s.AcceptItem(ctx, order.ID, order.Items[1].ID, schema.RoleCook); err != nil {
		t.Fatalf("accept second item: %v", err)
	}
	if _, err = s.MarkReady(ctx, order.ID, schema.RoleCook, false); err != nil {
		t.Fatalf("ready: %v", err)
	}

	// Serving item by item: the order flips to SERVED only on the last one.
	got, err = s.ServeItem(ctx, order.ID, order.Items[0].ID, schema.RoleWaiter)
	if err != nil {
		t.Fatalf("serve item: %v", err)
	}
	if got.Status != schema.OrderReady {
		t.Fatalf("status = %s, want READY until all lines served", got.Status)
	}
	got, err = s.ServeItem(ctx, order.ID, order.Items[1].ID, schema.RoleWaiter)
	if err != nil {
		t.Fatalf("serve last item: %v", err)
	}
	if got.Status != schema.OrderServed {
		t.Fatalf("status = %s, want SERVED", got.Status)
	}
}

func TestItemLookupFailures(t *testing.T) {
	s := newTestStore(nil)
	order := placeTwoLineOrder(t, s)
	ctx := context.Background()

	_, err := s.AcceptItem(ctx, "missing", order.Items[0].ID, schema.RoleCook)
	wantCanonical(t, err, errs.CanonicalOrderNotFound)

	_, err = s.AcceptItem(ctx, order.ID, "missing", schema.RoleCook)
	wantCanonical(t, err, errs.CanonicalItemNotFound)
}

func TestPurgeIsAdminOnly(t *testing.T) {
	s := newTestStore(nil)
	order := placeTwoLineOrder(t, s)
	ctx := context.Background()

	err := s.PurgeOrder(ctx, order.ID, schema.RoleManager)
	wantCanonical(t, err, errs.CanonicalActorForbidden)
	if _, err := s.Order(order.ID); err != nil {
		t.Fatal("rejected purge must not delete")
	}

	if err := s.PurgeOrder(ctx, order.ID, schema.RoleAdmin); err != nil {
		t.Fatalf("admin purge: %v", err)
	}
	_, err = s.Order(order.ID)
	wantCanonical(t, err, errs.CanonicalOrderNotFound)

	err = s.PurgeOrder(ctx, order.ID, schema.RoleAdmin)
	wantCanonical(t, err, errs.CanonicalOrderNotFound)
}

func TestEveryMutationBroadcastsFrames(t *testing.T) {
	pub := &capturingPublisher{}
	s := newTestStore(pub)
	order := placeTwoLineOrder(t, s)
	ctx := context.Background()

	placedFrames := len(pub.frames)
	if _, err := s.AcceptOrder(ctx, order.ID, schema.RoleCook); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(pub.frames) != 2*placedFrames {
		t.Fatalf("accept published %d frames, want %d", len(pub.frames)-placedFrames, placedFrames)
	}

	// The broadcast payload is a detached copy of the stored order.
	last := pub.frames[len(pub.frames)-1].payload.(*schema.Order)
	last.Status = schema.OrderCancelled
	got, err := s.Order(order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schema.OrderPreparing {
		t.Fatal("broadcast payload must not alias store state")
	}

	// Rejections stay silent.
	before := len(pub.frames)
	if _, err := s.SettleOrder(ctx, order.ID, schema.RoleWaiter); err == nil {
		t.Fatal("settle from PREPARING must fail")
	}
	if len(pub.frames) != before {
		t.Fatal("rejected mutations must not publish")
	}
}

func TestOrdersListsOldestFirst(t *testing.T) {
	s := newTestStore(nil)
	first := placeTwoLineOrder(t, s)
	second := placeTwoLineOrder(t, s)

	got := s.Orders()
	if len(got) != 2 {
		t.Fatalf("orders = %d", len(got))
	}
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatal("orders must list oldest first")
	}
}
