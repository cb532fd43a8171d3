package chordcheck

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Harness drives a set of node processes and checks the ring they form.
// Every remote call made through it is recorded by its own MessageCounter.
type Harness struct {
	runID      string
	counter    *MessageCounter
	clients    *clientPool
	supervisor *Supervisor
	driver     *driver
	verifier   *verifier
	injector   *injector
	meter      *meter
	options    options
}

// NewHarness creates a Harness. No process is started until FormRing or
// Supervisor().Start is called.
func NewHarness(opts ...Option) *Harness {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var runID = uuid.NewString()
	options.logger = options.logger.With("run_id", runID)

	var (
		counter    = NewMessageCounter()
		clients    = newClientPool(counter, options.callTimeout)
		supervisor = newSupervisor(clients, options)
		verifier   = newVerifier(supervisor, clients, options)
		driver     = newDriver(supervisor, clients, verifier, options)
	)

	return &Harness{
		runID:      runID,
		counter:    counter,
		clients:    clients,
		supervisor: supervisor,
		driver:     driver,
		verifier:   verifier,
		injector:   newInjector(supervisor, verifier, driver, options),
		meter:      newMeter(supervisor, clients, counter, options),
		options:    options,
	}
}

// RunID returns the identifier attached to every log line of this harness.
func (h *Harness) RunID() string {
	return h.runID
}

// Counter returns the counter every call of this harness is recorded in.
func (h *Harness) Counter() *MessageCounter {
	return h.counter
}

// Supervisor returns the process registry of this harness.
func (h *Harness) Supervisor() *Supervisor {
	return h.supervisor
}

// Client returns an instrumented client for the node behind handle.
func (h *Harness) Client(handle *NodeHandle) *Client {
	return h.clients.forHandle(handle)
}

// FormRing starts n nodes on consecutive ports from basePort, creates a ring on
// the first and joins the rest through it one at a time. The returned handles
// are the nodes that ended up in the ring, seed first.
func (h *Harness) FormRing(ctx context.Context, n, basePort int) ([]*NodeHandle, error) {
	return h.driver.formRing(ctx, n, basePort)
}

// Snapshot asks every node for its identity and successor.
func (h *Harness) Snapshot(ctx context.Context, handles []*NodeHandle) RingView {
	return h.driver.snapshot(ctx, handles)
}

// CheckUnanimous asks every live node once for the successor of key.
func (h *Harness) CheckUnanimous(ctx context.Context, handles []*NodeHandle, key uint64) VerificationResult {
	return h.verifier.checkUnanimous(ctx, handles, key, nil)
}

// AwaitUnanimous repeats CheckUnanimous under the convergence policy and
// returns the last result.
func (h *Harness) AwaitUnanimous(ctx context.Context, handles []*NodeHandle, key uint64) VerificationResult {
	return h.verifier.awaitUnanimous(ctx, handles, key, nil, h.options.convergence)
}

// CheckIdentityStability calls get_info rounds times on every live node and
// reports nodes whose identifier changed.
func (h *Harness) CheckIdentityStability(ctx context.Context, handles []*NodeHandle, rounds int) IdentityResult {
	return h.verifier.checkIdentity(ctx, handles, rounds)
}

// KillAndObserve stops handles[victim] and waits at most settle for the
// survivors to agree on the probe key with neither their answers nor their
// successor pointers referencing the victim.
func (h *Harness) KillAndObserve(ctx context.Context, handles []*NodeHandle, victim int, settle time.Duration) (VerificationResult, error) {
	return h.injector.killAndObserve(ctx, handles, victim, settle)
}

// SampleLookupCost measures how many calls n random lookups take.
// It resets the counter, so it must not run alongside other checks.
func (h *Harness) SampleLookupCost(ctx context.Context, handles []*NodeHandle, n int) (LookupCostReport, error) {
	return h.meter.sampleLookupCost(ctx, handles, n)
}

// SamplePeriodicRate measures the call rate while the harness is idle for observe.
func (h *Harness) SamplePeriodicRate(ctx context.Context, observe time.Duration) (RateReport, error) {
	return h.meter.samplePeriodicRate(ctx, observe)
}

// Close stops every node process this harness started.
func (h *Harness) Close(ctx context.Context) error {
	return h.supervisor.StopAll(ctx)
}
