package chordcheck

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// meter samples how many calls logical operations cost.
type meter struct {
	supervisor *Supervisor
	clients    *clientPool
	counter    *MessageCounter
	options    options

	mu  sync.Mutex
	rng *rand.Rand
}

func newMeter(supervisor *Supervisor, clients *clientPool, counter *MessageCounter, opts options) *meter {
	var seed = opts.seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	return &meter{
		supervisor: supervisor,
		clients:    clients,
		counter:    counter,
		options:    opts,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// sampleLookupCost runs trials single find_successor calls against random
// live nodes with random keys. A trial's cost is the counter total right
// after its call; failed trials are excluded from the mean.
func (m *meter) sampleLookupCost(ctx context.Context, handles []*NodeHandle, trials int) (LookupCostReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report = LookupCostReport{Trials: trials}

	var live = make([]*NodeHandle, 0, len(handles))
	for _, h := range handles {
		if m.supervisor.Tracked(h) {
			live = append(live, h)
		}
	}
	if len(live) == 0 {
		return report, fmt.Errorf("%w: no live nodes", ErrSampleFailure)
	}

	var sum int
	for trial := range trials {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var (
			node = live[m.rng.IntN(len(live))]
			key  = randomKey(m.rng)
		)

		m.counter.Reset()
		if _, err := m.clients.forHandle(node).FindSuccessor(ctx, key); err != nil {
			report.Failures = append(report.Failures, fmt.Errorf("%w: trial %d: %w", ErrSampleFailure, trial+1, err))
			m.options.logger.Debug("lookup sample failed", "trial", trial+1, "addr", node.Addr(), "error", err)
			continue
		}

		var cost = m.counter.Total()
		report.Costs = append(report.Costs, cost)
		sum += cost
		m.options.logger.Debug("lookup sample", "trial", trial+1, "key", key, "messages", cost)
	}

	report.Succeeded = len(report.Costs)
	if report.Succeeded == 0 {
		return report, fmt.Errorf("%w: all %d trials failed", ErrSampleFailure, trials)
	}
	report.Mean = float64(sum) / float64(report.Succeeded)

	return report, nil
}

// samplePeriodicRate resets the counter, stays idle for observe and reads the
// trailing one-second rate and the per-method distribution.
func (m *meter) samplePeriodicRate(ctx context.Context, observe time.Duration) (RateReport, error) {
	m.counter.Reset()

	if err := sleepContext(ctx, observe); err != nil {
		return RateReport{}, err
	}

	return RateReport{
		Window:   observe,
		Rate:     m.counter.Rate(),
		Total:    m.counter.Total(),
		ByMethod: m.counter.ByMethod(),
	}, nil
}
