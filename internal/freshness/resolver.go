// Package freshness picks which stored position a read should display.
package freshness

import (
	"time"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

// DefaultStaleAfter is two missed true-fix reporting intervals.
const DefaultStaleAfter = 10 * time.Minute

type Resolver struct {
	staleAfter time.Duration
	now        func() time.Time
}

func NewResolver(staleAfter time.Duration, now func() time.Time) *Resolver {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{staleAfter: staleAfter, now: now}
}

// Resolve returns the true fix while it is no older than the staleness
// threshold, otherwise the coarse fix of any age. ok is false when neither
// applies, including a stale true fix with no coarse fix behind it.
func (r *Resolver) Resolve(state *domain.DeviceState) (fix domain.Fix, ok bool) {
	if state == nil {
		return domain.Fix{}, false
	}
	if tf := state.LastTrueFix; tf != nil && r.now().Sub(tf.Timestamp) <= r.staleAfter {
		return withSource(*tf, domain.MessageTrueFix), true
	}
	if cf := state.LastCoarseFix; cf != nil {
		return withSource(*cf, domain.MessageCoarseFix), true
	}
	return domain.Fix{}, false
}

func withSource(f domain.Fix, src domain.MessageType) domain.Fix {
	f.Source = src
	return f
}
