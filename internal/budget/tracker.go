// Package budget implements the Cost Tracker (spec §4.7): integer
// token/credit accounting with reserve/settle semantics, serialized
// settles, and drain-mode once a step overdraws.
package budget

import (
	"math"
	"sync"

	"github.com/stepforge/kernel/internal/kernelerrors"
)

// Reservation is returned by Reserve and consumed by Settle.
type Reservation struct {
	StepID   string
	Estimate int
}

// Tracker accounts a single run's token budget. All mutation is
// serialized through the tracker's mutex (spec §5: "Cost Tracker
// updates are serialized: settle is atomic, so remaining() is a
// monotonically non-increasing sequence").
type Tracker struct {
	mu                   sync.Mutex
	remaining            int
	initial              int
	drain                bool
	overdrawTolerancePct int
}

// NewTracker creates a tracker seeded with the run's max_tokens budget.
func NewTracker(maxTokens, overdrawTolerancePct int) *Tracker {
	return &Tracker{remaining: maxTokens, initial: maxTokens, overdrawTolerancePct: overdrawTolerancePct}
}

// Remaining returns the current budget snapshot.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Initial returns the run's starting budget.
func (t *Tracker) Initial() int {
	return t.initial
}

// InDrain reports whether the tracker has entered drain mode: a prior
// settle overdrew the budget, and further nonzero-cost steps should be
// skipped (spec §4.5, §7 BudgetExhausted / GLOSSARY "Drain mode").
func (t *Tracker) InDrain() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drain
}

// CanAfford reports whether estimate fits in the remaining budget,
// without mutating state. The Router applies the same comparison to
// the Remaining() value the Executor passes it at routing time.
func (t *Tracker) CanAfford(estimate int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return estimate <= t.remaining
}

// Reserve records a pending charge of estimate tokens for stepID. It
// does not yet deduct from remaining(); Settle does, once actual usage
// is known, matching spec §4.7's reserve/settle pair.
func Reserve(stepID string, estimate int) Reservation {
	return Reservation{StepID: stepID, Estimate: estimate}
}

// SettleResult reports the outcome of a settle: the delta applied, the
// new remaining balance, and whether this settle pushed the tracker
// into drain mode.
type SettleResult struct {
	Delta          int
	Remaining      int
	EnteredDrain   bool
}

// Settle deducts actual tokens from the budget for a reservation. Actual
// usage may exceed the reservation's estimate (adapters underestimating,
// spec §4.7); overdrafts beyond policy's overdraw_tolerance_percent of
// the reservation push the tracker into drain mode, after which the
// Executor (via InDrain) skips subsequent steps with a nonzero cost
// estimate rather than stopping the run (spec §4.5).
func (t *Tracker) Settle(reservation Reservation, actual int) (SettleResult, error) {
	if actual < 0 {
		return SettleResult{}, kernelerrors.New(kernelerrors.CostOverflowError, "settle with negative token usage")
	}
	if actual > math.MaxInt32 {
		return SettleResult{}, kernelerrors.New(kernelerrors.CostOverflowError, "settle value outside representable range")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.remaining -= actual
	shouldDrain := t.remaining < 0 || !t.overdrawTolerated(reservation.Estimate, actual)

	entered := shouldDrain && !t.drain
	if shouldDrain {
		t.drain = true
	}

	return SettleResult{Delta: actual, Remaining: t.remaining, EnteredDrain: entered}, nil
}

// overdrawTolerated reports whether actual's overshoot of estimate is
// within policy.overdraw_tolerance_percent (spec §9 Open Question,
// resolved in SPEC_FULL.md). A tolerance of 0 (the default) tolerates
// any overdraw amount but still flags drain mode once remaining()
// crosses zero.
func (t *Tracker) overdrawTolerated(estimate, actual int) bool {
	if t.overdrawTolerancePct <= 0 {
		return true
	}
	if actual <= estimate {
		return true
	}
	allowed := estimate + (estimate*t.overdrawTolerancePct)/100
	return actual <= allowed
}
