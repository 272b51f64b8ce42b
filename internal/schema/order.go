// Package schema defines the canonical order records and lifecycle tables all
// realtime consumers rely on, regardless of the raw wire payload shape.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus identifies the aggregate lifecycle state of an order.
type OrderStatus string

const (
	// OrderPlaced marks a freshly submitted order.
	OrderPlaced OrderStatus = "PLACED"
	// OrderPreparing marks an order accepted by the kitchen.
	OrderPreparing OrderStatus = "PREPARING"
	// OrderReady marks an order fully prepared and awaiting pickup.
	OrderReady OrderStatus = "READY"
	// OrderServed marks an order delivered to the table.
	OrderServed OrderStatus = "SERVED"
	// OrderPaid marks a settled order. Terminal.
	OrderPaid OrderStatus = "PAID"
	// OrderCancelled marks a voided order. Terminal.
	OrderCancelled OrderStatus = "CANCELLED"
)

// ItemStatus identifies the per-item preparation state. It refines the
// aggregate order status for partial-preparation views; the order status
// stays authoritative.
type ItemStatus string

const (
	// ItemUnset is the normalized form of any unrecognized item status.
	ItemUnset ItemStatus = ""
	// ItemPlaced marks a line item awaiting kitchen acceptance.
	ItemPlaced ItemStatus = "PLACED"
	// ItemAccepted marks a line item being prepared.
	ItemAccepted ItemStatus = "ACCEPTED"
	// ItemServed marks a delivered line item.
	ItemServed ItemStatus = "SERVED"
)

// Role names an acting dashboard role.
type Role string

const (
	// RoleCustomer places orders.
	RoleCustomer Role = "customer"
	// RoleCook accepts items and marks orders ready.
	RoleCook Role = "cook"
	// RoleWaiter serves and settles orders.
	RoleWaiter Role = "waiter"
	// RoleManager may settle and cancel orders.
	RoleManager Role = "manager"
	// RoleAdmin may purge orders.
	RoleAdmin Role = "admin"
)

// Order is the canonical order record.
type Order struct {
	ID         string          `json:"id"`
	TableID    string          `json:"tableId"`
	TableLabel string          `json:"tableLabel"`
	Status     OrderStatus     `json:"status"`
	Note       string          `json:"note,omitempty"`
	Total      decimal.Decimal `json:"total"`
	CreatedAt  time.Time       `json:"createdAt"`
	Items      []OrderItem     `json:"items"`
}

// OrderItem is one canonical line of an order.
type OrderItem struct {
	ID                string            `json:"id"`
	ItemID            string            `json:"itemId"`
	Quantity          int               `json:"quantity"`
	UnitPrice         decimal.Decimal   `json:"unitPrice"`
	SelectedModifiers map[string]string `json:"selectedModifiers,omitempty"`
	Station           string            `json:"station,omitempty"`
	Status            ItemStatus        `json:"status"`
	AcceptedAt        time.Time         `json:"acceptedAt"`
	ServedAt          time.Time         `json:"servedAt"`
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPlaced:    {OrderPreparing, OrderCancelled},
	OrderPreparing: {OrderReady, OrderCancelled},
	OrderReady:     {OrderServed, OrderCancelled},
	OrderServed:    {OrderPaid},
	OrderPaid:      {},
	OrderCancelled: {},
}

// Transition actors: accept/ready belong to the kitchen, serving to the
// waiter, settlement and cancellation to waiter or manager.
var transitionActors = map[OrderStatus][]Role{
	OrderPreparing: {RoleCook},
	OrderReady:     {RoleCook},
	OrderServed:    {RoleWaiter},
	OrderPaid:      {RoleWaiter, RoleManager},
	OrderCancelled: {RoleWaiter, RoleManager},
}

// CanTransition reports whether the lifecycle table allows moving to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// AllowedActor reports whether the role may drive a transition into next.
func (next OrderStatus) AllowedActor(role Role) bool {
	actors, ok := transitionActors[next]
	if !ok {
		return false
	}
	for _, a := range actors {
		if a == role {
			return true
		}
	}
	return false
}

// ParseOrderStatus resolves a loose status string to the canonical value.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch OrderStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case OrderPlaced:
		return OrderPlaced, true
	case OrderPreparing:
		return OrderPreparing, true
	case OrderReady:
		return OrderReady, true
	case OrderServed:
		return OrderServed, true
	case OrderPaid:
		return OrderPaid, true
	case OrderCancelled:
		return OrderCancelled, true
	}
	return "", false
}

// ParseItemStatus resolves a loose item status string. Anything outside the
// three valid values normalizes to ItemUnset rather than failing.
func ParseItemStatus(raw string) ItemStatus {
	switch ItemStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case ItemPlaced:
		return ItemPlaced
	case ItemAccepted:
		return ItemAccepted
	case ItemServed:
		return ItemServed
	}
	return ItemUnset
}

// rank orders item statuses for monotonicity checks.
func (s ItemStatus) rank() int {
	switch s {
	case ItemPlaced:
		return 1
	case ItemAccepted:
		return 2
	case ItemServed:
		return 3
	}
	return 0
}

// Advances reports whether next is strictly ahead of s in the item lifecycle.
func (s ItemStatus) Advances(next ItemStatus) bool {
	return next.rank() > s.rank()
}

var orderRank = map[OrderStatus]int{
	OrderPlaced:    1,
	OrderPreparing: 2,
	OrderReady:     3,
	OrderServed:    4,
	OrderPaid:      5,
	OrderCancelled: 5,
}

// Merge folds a later notification for the same order into o without letting
// stale frames regress state. Order status only moves forward along the
// lifecycle; item statuses and their stamps are monotonic: AcceptedAt and
// ServedAt are set at most once and never cleared. Items unknown to o are
// appended. Merge returns true when anything changed, so duplicate frames
// become detectable no-ops.
func (o *Order) Merge(incoming *Order) bool {
	if o == nil || incoming == nil || incoming.ID != o.ID {
		return false
	}
	changed := false

	if orderRank[incoming.Status] > orderRank[o.Status] {
		o.Status = incoming.Status
		changed = true
	}
	if o.Note == "" && incoming.Note != "" {
		o.Note = incoming.Note
		changed = true
	}
	if !incoming.Total.IsZero() && !incoming.Total.Equal(o.Total) && len(incoming.Items) >= len(o.Items) {
		o.Total = incoming.Total
		changed = true
	}

	index := make(map[string]int, len(o.Items))
	for i := range o.Items {
		index[o.Items[i].ID] = i
	}
	for _, in := range incoming.Items {
		i, ok := index[in.ID]
		if !ok {
			o.Items = append(o.Items, in.Clone())
			changed = true
			continue
		}
		cur := &o.Items[i]
		if cur.Status.Advances(in.Status) {
			cur.Status = in.Status
			changed = true
		}
		if cur.AcceptedAt.IsZero() && !in.AcceptedAt.IsZero() {
			cur.AcceptedAt = in.AcceptedAt
			changed = true
		}
		if cur.ServedAt.IsZero() && !in.ServedAt.IsZero() {
			cur.ServedAt = in.ServedAt
			changed = true
		}
	}
	return changed
}

// Clone returns a deep copy so fan-out consumers never alias shared state.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.Items = make([]OrderItem, len(o.Items))
	for i := range o.Items {
		out.Items[i] = o.Items[i].Clone()
	}
	return &out
}

// Clone returns a deep copy of the line item.
func (it OrderItem) Clone() OrderItem {
	out := it
	if it.SelectedModifiers != nil {
		out.SelectedModifiers = make(map[string]string, len(it.SelectedModifiers))
		for k, v := range it.SelectedModifiers {
			out.SelectedModifiers[k] = v
		}
	}
	return out
}

// LineTotal is the item quantity times its unit price.
func (it OrderItem) LineTotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// RecomputeTotal overwrites the order total with the sum of line totals.
// Totals on the wire are advisory whenever line items are present.
func (o *Order) RecomputeTotal() {
	total := decimal.Zero
	for i := range o.Items {
		total = total.Add(o.Items[i].LineTotal())
	}
	o.Total = total
}
