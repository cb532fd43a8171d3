package chordcheck

import (
	"context"
	"fmt"
	"time"
)

// injector kills one ring member and watches the survivors heal.
type injector struct {
	supervisor *Supervisor
	verifier   *verifier
	driver     *driver
	options    options
}

func newInjector(supervisor *Supervisor, v *verifier, d *driver, opts options) *injector {
	return &injector{
		supervisor: supervisor,
		verifier:   v,
		driver:     d,
		options:    opts,
	}
}

// killAndObserve stops handles[victim] and then checks the survivors until
// they agree on the probe key, no answer names the victim and no survivor's
// successor pointer still targets it, or settle elapses.
// The victim is reported in Killed; a survivor that fails to answer stays in
// Failed, which is a defect rather than expected unavailability.
func (i *injector) killAndObserve(ctx context.Context, handles []*NodeHandle, victim int, settle time.Duration) (VerificationResult, error) {
	if victim < 0 || victim >= len(handles) {
		return VerificationResult{}, fmt.Errorf("victim index %d out of range for %d nodes", victim, len(handles))
	}

	var (
		target = handles[victim]
		addr   = target.Addr()
		skip   = map[int]bool{victim: true}
	)

	i.options.logger.Info("killing node", "index", victim, "addr", addr)
	if err := i.supervisor.Stop(ctx, target); err != nil {
		i.options.logger.Warn("victim may still be running", "addr", addr, "error", err)
	}

	var survivors = make([]*NodeHandle, 0, len(handles)-1)
	for idx, h := range handles {
		if idx != victim && i.supervisor.Tracked(h) {
			survivors = append(survivors, h)
		}
	}

	var (
		policy   = i.options.convergence.within(settle)
		result   VerificationResult
		pointing []int
	)
	var attempts, healed, err = policy.await(ctx, func(ctx context.Context) bool {
		result = i.verifier.checkUnanimous(ctx, handles, i.options.probeKey, skip)
		if !result.Passed() || result.ReferencesAddr(addr) {
			return false
		}
		pointing = i.driver.snapshot(ctx, survivors).SuccessorsOf(addr)
		return len(pointing) == 0
	})
	result.Attempts = attempts
	if err != nil {
		return result, err
	}

	if !healed {
		i.options.logger.Warn("survivors did not heal within the settle interval",
			"victim", addr,
			"settle", settle,
			"references_victim", result.ReferencesAddr(addr),
			"successors_of_victim", len(pointing),
			"error", result.Err())
	}

	return result, nil
}
