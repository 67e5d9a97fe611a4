// Package reconcile derives run status from observed remote results
// plus elapsed time. The transition rule lives in a single pure
// function shared by the poller and the change listener, so both
// evaluators compute the same deterministic outcome from the same
// observed state.
package reconcile

import (
	"time"

	"github.com/socialpulse/pulsed/pkg/ledger"
)

// DefaultTimeout caps how long a run may stay pending.
const DefaultTimeout = 10 * time.Minute

// Transition is the terminal state change Evaluate decided on.
type Transition struct {
	Status          ledger.Status
	DurationSeconds int64

	// Received is the normalized set of platforms observed at decision
	// time. Platforms that were never requested are kept: they cannot
	// satisfy the completion check by themselves but are still recorded.
	Received []string
}

// Evaluate applies the completion rule to a run given the platforms
// currently observed in the result store. It returns nil when the run
// should stay pending (or is already terminal). The rule, in order:
//
//  1. Every requested platform has reported: complete, duration = age.
//  2. Past the timeout with at least one result: complete with partial
//     results, duration = timeout. One slow platform should not discard
//     what the others already gathered.
//  3. Past the timeout with nothing: failed, duration = timeout.
func Evaluate(
	run *ledger.Run,
	observed []string,
	now time.Time,
	timeout time.Duration,
) *Transition {
	if run.Status.Terminal() {
		return nil
	}

	received := ledger.NormalizePlatforms(observed)
	requested := ledger.NormalizePlatforms(run.Platforms)

	age := now.Sub(run.CreatedAt)

	if len(received) > 0 && containsAll(received, requested) {
		return &Transition{
			Status:          ledger.StatusComplete,
			DurationSeconds: int64(age.Seconds()),
			Received:        received,
		}
	}

	if age > timeout {
		if len(received) > 0 {
			return &Transition{
				Status:          ledger.StatusComplete,
				DurationSeconds: int64(timeout.Seconds()),
				Received:        received,
			}
		}

		return &Transition{
			Status:          ledger.StatusFailed,
			DurationSeconds: int64(timeout.Seconds()),
		}
	}

	return nil
}

// containsAll reports whether every wanted element appears in have.
func containsAll(have, wanted []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}

	for _, w := range wanted {
		if _, ok := set[w]; !ok {
			return false
		}
	}

	return true
}
