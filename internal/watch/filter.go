// Package watch turns the append-only message table into filtered streams.
package watch

import (
	"fmt"
	"time"

	"github.com/imsglab/imsg/internal/store"
)

// Filter accepts or rejects messages against participant and time-window
// predicates. The zero filter matches everything; once constructed the
// predicate is total.
type Filter struct {
	participants map[string]struct{}
	start, end   *time.Time
}

// NewFilter builds a filter from optional participant handles and optional
// RFC 3339 bounds. An empty participants slice means no sender constraint.
// Malformed timestamps are reported as errors so handlers can reject them as
// invalid params up front.
func NewFilter(participants []string, start, end string) (*Filter, error) {
	f := &Filter{}
	if len(participants) > 0 {
		f.participants = make(map[string]struct{}, len(participants))
		for _, p := range participants {
			f.participants[p] = struct{}{}
		}
	}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return nil, fmt.Errorf("invalid start timestamp %q: %w", start, err)
		}
		f.start = &t
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, fmt.Errorf("invalid end timestamp %q: %w", end, err)
		}
		f.end = &t
	}
	return f, nil
}

// Match reports whether the message passes the filter.
func (f *Filter) Match(m store.Message) bool {
	if f.participants != nil {
		if _, ok := f.participants[m.Sender]; !ok {
			return false
		}
	}
	if f.start != nil && m.Date.Before(*f.start) {
		return false
	}
	if f.end != nil && m.Date.After(*f.end) {
		return false
	}
	return true
}
