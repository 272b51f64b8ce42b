// Package normalize maps loosely-shaped inbound order payloads into canonical
// schema records. Normalization is total: any input that cannot be read as an
// order yields nil, never an error, so the realtime path survives schema
// drift in the backend.
package normalize

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tably/tably/internal/schema"
)

// Normalizer converts raw realtime payloads into canonical orders. A non-empty
// Station scopes the output to a single preparation station: items tagged for
// other stations are dropped, and an order left with no items is suppressed
// entirely for that consumer.
type Normalizer struct {
	Station string
}

// Order interprets raw as an order payload. Accepted inputs are maps, structs,
// nested `{"order": {...}}` envelopes, and JSON-encoded strings or byte slices
// of any of those. Returns nil when the payload is not an order; callers treat
// nil as "ignore this message".
func (n Normalizer) Order(raw any) *schema.Order {
	m, ok := asObject(raw)
	if !ok {
		return nil
	}
	if nested, ok := asObject(m["order"]); ok {
		m = nested
	}

	id := firstString(m, "id", "orderId", "order_id")
	if id == "" {
		return nil
	}

	out := &schema.Order{
		ID:         id,
		TableID:    firstString(m, "tableId", "table_id"),
		TableLabel: firstString(m, "tableLabel", "table_label", "table"),
		Note:       firstString(m, "note", "notes"),
		CreatedAt:  firstTime(m, "createdAt", "created_at"),
	}

	status, ok := schema.ParseOrderStatus(firstString(m, "status"))
	if !ok {
		status = schema.OrderPlaced
	}
	out.Status = status

	if total, ok := moneyField(m, "total"); ok {
		out.Total = total
	}

	if rawItems, ok := itemList(m["items"]); ok {
		out.Items = make([]schema.OrderItem, 0, len(rawItems))
		for i, rawItem := range rawItems {
			item, ok := normalizeItem(rawItem, i)
			if !ok {
				continue
			}
			out.Items = append(out.Items, item)
		}
	}

	if n.Station != "" {
		kept := out.Items[:0]
		for _, item := range out.Items {
			if item.Station == n.Station {
				kept = append(kept, item)
			}
		}
		out.Items = kept
		if len(out.Items) == 0 {
			return nil
		}
	}

	// Wire totals are advisory whenever line items are present.
	if len(out.Items) > 0 {
		out.RecomputeTotal()
	}
	return out
}

// Modifiers resolves a modifier selection into the canonical
// modifierId -> optionId map. The selection may arrive as a map, as an array
// of {modifierId, optionId} pairs, or as a JSON string encoding either.
func Modifiers(raw any) map[string]string {
	raw = decodeIfString(raw)

	switch v := raw.(type) {
	case map[string]string:
		if len(v) == 0 {
			return nil
		}
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out
	case map[string]any:
		if len(v) == 0 {
			return nil
		}
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = stringify(val)
		}
		return out
	case []any:
		out := make(map[string]string, len(v))
		for _, entry := range v {
			pair, ok := asObject(entry)
			if !ok {
				continue
			}
			modifier := firstString(pair, "modifierId", "modifier_id")
			option := firstString(pair, "optionId", "option_id")
			if modifier == "" {
				continue
			}
			out[modifier] = option
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

// itemList coerces the items value into a generic slice. Wire payloads decode
// to []any; in-process callers hand over typed slices, which round-trip
// element by element through normalizeItem's own object coercion.
func itemList(raw any) ([]any, bool) {
	switch v := decodeIfString(raw).(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

func normalizeItem(raw any, index int) (schema.OrderItem, bool) {
	m, ok := asObject(raw)
	if !ok {
		return schema.OrderItem{}, false
	}

	item := schema.OrderItem{
		ID:                firstString(m, "id", "orderItemId", "order_item_id"),
		ItemID:            firstString(m, "itemId", "item_id", "menuItemId"),
		Quantity:          1,
		SelectedModifiers: Modifiers(m["selectedModifiers"]),
		Station:           firstString(m, "station", "printerTopic", "printer_topic"),
		Status:            schema.ParseItemStatus(firstString(m, "status")),
		AcceptedAt:        firstTime(m, "acceptedAt", "accepted_at"),
		ServedAt:          firstTime(m, "servedAt", "served_at"),
	}
	if item.SelectedModifiers == nil {
		item.SelectedModifiers = Modifiers(m["selected_modifiers"])
	}
	if item.ID == "" {
		item.ID = fmt.Sprintf("line-%d", index)
	}
	if qty, ok := intField(m, "quantity", "qty"); ok && qty > 0 {
		item.Quantity = qty
	}
	if price, ok := moneyField(m, "unitPrice"); ok {
		item.UnitPrice = price
	}
	return item, true
}

// asObject coerces raw into a string-keyed map. Strings and byte slices are
// decoded as JSON first; structs round-trip through JSON.
func asObject(raw any) (map[string]any, bool) {
	raw = decodeIfString(raw)
	switch v := raw.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return v, true
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, false
		}
		return m, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}

func decodeIfString(raw any) any {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return raw
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil
	}
	return decoded
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return decimal.NewFromFloat(s).String()
	case bool:
		if s {
			return "true"
		}
		return "false"
	}
	return ""
}

func intField(m map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			return int(v), true
		case string:
			if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
				return int(d.IntPart()), true
			}
		}
	}
	return 0, false
}

// moneyField resolves a price under base for both wire conventions: a decimal
// currency amount under the plain key, or an integer minor-unit amount under
// the Cents/Minor suffixed keys.
func moneyField(m map[string]any, base string) (decimal.Decimal, bool) {
	for _, key := range []string{base + "Cents", base + "Minor", snake(base) + "_cents", snake(base) + "_minor"} {
		switch v := m[key].(type) {
		case float64:
			return decimal.New(int64(v), -2), true
		case string:
			if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
				return decimal.New(d.IntPart(), -2), true
			}
		}
	}
	for _, key := range []string{base, snake(base)} {
		switch v := m[key].(type) {
		case float64:
			return decimal.NewFromFloat(v), true
		case string:
			if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
				return d, true
			}
		}
	}
	return decimal.Decimal{}, false
}

func firstTime(m map[string]any, keys ...string) time.Time {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
				return ts
			}
		case float64:
			if v > 0 {
				return time.UnixMilli(int64(v)).UTC()
			}
		}
	}
	return time.Time{}
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
