// Package topic implements hierarchical topic names and subscription filters
// for the realtime channel. Topics are `/`-separated; filters may additionally
// use `+` (exactly one segment) and a terminal `#` (all remaining segments).
package topic

import (
	"strings"

	"github.com/tably/tably/errs"
)

const (
	// Separator splits a topic into segments.
	Separator = "/"
	// SingleWildcard matches exactly one topic segment in a filter.
	SingleWildcard = "+"
	// MultiWildcard matches all remaining topic segments. It is only a
	// wildcard in the terminal position of a filter.
	MultiWildcard = "#"
)

// Match reports whether a subscription filter covers a published topic.
//
// The walk is segment-by-segment: a terminal `#` absorbs all remaining topic
// segments, including zero, so "a/#" matches both "a/b/c" and "a". A `+`
// accepts any single segment. Every other segment, a non-terminal `#`
// included, must compare equal literally. Empty segments compare literally
// too, so Match never needs to reject malformed input: it simply never
// matches anything the filter does not spell out.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fsegs := strings.Split(filter, Separator)
	tsegs := strings.Split(topic, Separator)

	for i, fseg := range fsegs {
		if fseg == MultiWildcard && i == len(fsegs)-1 {
			return true
		}
		if i >= len(tsegs) {
			return false
		}
		if fseg == SingleWildcard {
			continue
		}
		if fseg != tsegs[i] {
			return false
		}
	}
	return len(fsegs) == len(tsegs)
}

// ValidateFilter flags filters whose wildcards cannot take effect. A `#` in a
// non-terminal position degrades to literal matching at Match time; that is
// deliberate channel behavior, but callers registering such a filter almost
// always meant something else, so they get a chance to log it.
func ValidateFilter(filter string) error {
	segs := strings.Split(filter, Separator)
	for i, seg := range segs {
		if seg == MultiWildcard && i != len(segs)-1 {
			return errs.New("topic/filter", errs.CodeInvalid,
				errs.WithMessage("multi-level wildcard is only special in the terminal position; it will match literally"),
				errs.WithField("filter", filter))
		}
	}
	return nil
}

// OrdersPlaced builds the venue topic carrying newly placed orders, optionally
// scoped to a single preparation station.
func OrdersPlaced(venue string, station ...string) string {
	t := venue + "/orders/placed"
	if len(station) > 0 && station[0] != "" {
		t += Separator + station[0]
	}
	return t
}

// OrderItems builds the venue topic carrying per-item status updates.
func OrderItems(venue string) string {
	return venue + "/orders/items"
}
