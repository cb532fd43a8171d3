package chordcheck

import (
	"context"
	"time"
)

// ConvergencePolicy bounds how long the harness waits for a ring to settle.
// A check is repeated every Interval until Streak consecutive checks pass or
// MaxAttempts checks have run.
type ConvergencePolicy struct {
	Interval    time.Duration
	MaxAttempts int
	Streak      int
}

// within returns the policy with as many attempts as fit in budget. A budget
// shorter than one interval shrinks the interval, so the last check still
// runs once the budget has elapsed.
func (p ConvergencePolicy) within(budget time.Duration) ConvergencePolicy {
	if p.Interval > 0 && budget > 0 {
		p.Interval = min(p.Interval, budget)
		p.MaxAttempts = int(budget/p.Interval) + 1
	}
	return p
}

func (p ConvergencePolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

func (p ConvergencePolicy) streak() int {
	return max(p.Streak, 1)
}

// await runs check until the policy is satisfied. It returns the number of
// checks run and whether the streak was reached.
func (p ConvergencePolicy) await(ctx context.Context, check func(ctx context.Context) bool) (int, bool, error) {
	var (
		attempts = p.attempts()
		streak   = 0
		ticker   = time.NewTicker(max(p.Interval, time.Millisecond))
	)
	defer ticker.Stop()

	for attempt := range attempts {
		if check(ctx) {
			streak++
			if streak >= p.streak() {
				return attempt + 1, true, nil
			}
		} else {
			streak = 0
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return attempt + 1, false, ctx.Err()
		case <-ticker.C:
		}
	}

	return attempts, false, nil
}
