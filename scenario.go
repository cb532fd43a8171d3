package chordcheck

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Phase names used in a Report.
const (
	PhaseFormation  = "formation"
	PhaseIdentity   = "identity"
	PhaseLookups    = "lookups"
	PhaseComplexity = "complexity"
	PhaseFault      = "fault"
)

// Plan describes one end-to-end scenario.
type Plan struct {
	Nodes          int
	BasePort       int
	IdentityRounds int

	LookupSamples   int
	MaxLookupCost   float64
	ObserveWindow   time.Duration
	MaxPeriodicRate int

	// FaultSettle is the longest the survivors get to heal after the kill.
	// Zero skips the fault phase.
	FaultSettle time.Duration
}

// DefaultPlan returns the reference scenario: sixteen nodes from port 5056.
func DefaultPlan() Plan {
	return Plan{
		Nodes:           16,
		BasePort:        5056,
		IdentityRounds:  3,
		LookupSamples:   50,
		MaxLookupCost:   7,
		ObserveWindow:   5 * time.Second,
		MaxPeriodicRate: 64,
		FaultSettle:     40 * time.Second,
	}
}

// PropertyResult is the verdict on one checked property.
type PropertyResult struct {
	Phase    string
	Property string
	Passed   bool
	Skipped  bool
	Detail   string
}

// Report collects every property checked during Run.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Nodes    int
	Results  []PropertyResult
}

// Passed reports whether at least one property was checked and none failed.
func (r *Report) Passed() bool {
	var checked bool
	for _, res := range r.Results {
		if res.Skipped {
			continue
		}
		if !res.Passed {
			return false
		}
		checked = true
	}
	return checked
}

// Failed returns the properties that did not pass.
func (r *Report) Failed() []PropertyResult {
	var failed []PropertyResult
	for _, res := range r.Results {
		if !res.Skipped && !res.Passed {
			failed = append(failed, res)
		}
	}
	return failed
}

func (r *Report) add(phase, property string, passed bool, format string, args ...any) {
	r.Results = append(r.Results, PropertyResult{
		Phase:    phase,
		Property: property,
		Passed:   passed,
		Detail:   fmt.Sprintf(format, args...),
	})
}

func (r *Report) skip(phase, property, reason string) {
	r.Results = append(r.Results, PropertyResult{
		Phase:    phase,
		Property: property,
		Skipped:  true,
		Detail:   reason,
	})
}

// String returns a per-phase summary of the run.
func (r *Report) String() string {
	var b strings.Builder

	var verdict = "PASS"
	if !r.Passed() {
		verdict = "FAIL"
	}

	b.WriteString(fmt.Sprintf("Run %s | Nodes: %d | %s | %s\n",
		r.RunID, r.Nodes, r.Finished.Sub(r.Started).Round(time.Millisecond), verdict))

	var phase string
	for _, res := range r.Results {
		if res.Phase != phase {
			phase = res.Phase
			b.WriteString(fmt.Sprintf("\n[%s]\n", phase))
		}

		var mark = "✓"
		switch {
		case res.Skipped:
			mark = "-"
		case !res.Passed:
			mark = "✗"
		}
		b.WriteString(fmt.Sprintf("  %s %-28s %s\n", mark, res.Property, res.Detail))
	}

	return b.String()
}

// Run forms a ring and checks every property of plan against it. Every
// process the harness started is stopped before Run returns, whatever the
// outcome. The returned error is non-nil only when the run could not proceed
// at all; failed properties are reported in the Report.
func (h *Harness) Run(ctx context.Context, plan Plan) (report *Report, err error) {
	report = &Report{
		RunID:   h.runID,
		Started: time.Now(),
	}

	defer func() {
		if stopErr := h.Close(context.WithoutCancel(ctx)); stopErr != nil {
			h.options.logger.Warn("cleanup left processes behind", "error", stopErr)
		}
		report.Finished = time.Now()
	}()

	h.options.logger.Info("forming ring", "nodes", plan.Nodes, "base_port", plan.BasePort)
	var handles, formErr = h.FormRing(ctx, plan.Nodes, plan.BasePort)
	report.Nodes = len(handles)
	if formErr != nil {
		report.add(PhaseFormation, "ring formed", false, "%v", formErr)
		if errors.Is(formErr, ErrNoNodes) || len(handles) == 0 || ctx.Err() != nil {
			return report, formErr
		}
		return report, nil
	}
	report.add(PhaseFormation, "ring formed", len(handles) == plan.Nodes,
		"%d of %d nodes joined", len(handles), plan.Nodes)

	var phases = []func(context.Context, *Report, []*NodeHandle, Plan){
		h.stabilizedPhase,
		h.identityPhase,
		h.lookupPhase,
		h.complexityPhase,
		h.faultPhase,
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		phase(ctx, report, handles, plan)
	}

	return report, ctx.Err()
}

func (h *Harness) stabilizedPhase(ctx context.Context, report *Report, handles []*NodeHandle, _ Plan) {
	var result = h.AwaitUnanimous(ctx, handles, h.options.probeKey)
	report.add(PhaseFormation, fmt.Sprintf("unanimous successor(%d)", result.Key), result.Passed(),
		"%s", describeVerification(result))
}

func (h *Harness) identityPhase(ctx context.Context, report *Report, handles []*NodeHandle, plan Plan) {
	var result = h.CheckIdentityStability(ctx, handles, plan.IdentityRounds)

	var detail = fmt.Sprintf("%d nodes stable over %d calls", len(result.IDs), max(plan.IdentityRounds, 1))
	if !result.Passed() {
		detail = fmt.Sprintf("%d stable, %d changed, %d failed", len(result.IDs), len(result.Unstable), len(result.Failed))
	}
	report.add(PhaseIdentity, "stable identifier", result.Passed(), "%s", detail)
}

func (h *Harness) lookupPhase(ctx context.Context, report *Report, handles []*NodeHandle, _ Plan) {
	var view = h.Snapshot(ctx, handles)
	h.options.logger.Debug("ring before lookups", "view", "\n"+view.String())

	for _, key := range lookupKeys(view.IDs()) {
		var result = h.AwaitUnanimous(ctx, handles, key)
		report.add(PhaseLookups, fmt.Sprintf("unanimous successor(%d)", key), result.Passed(),
			"%s", describeVerification(result))
	}
}

func (h *Harness) complexityPhase(ctx context.Context, report *Report, handles []*NodeHandle, plan Plan) {
	if plan.LookupSamples > 0 {
		var cost, err = h.SampleLookupCost(ctx, handles, plan.LookupSamples)
		if err != nil {
			report.add(PhaseComplexity, "lookup cost", false, "%v", err)
		} else {
			report.add(PhaseComplexity, "lookup cost", cost.Mean < plan.MaxLookupCost,
				"mean %.2f calls over %d/%d trials (limit %.2f)", cost.Mean, cost.Succeeded, cost.Trials, plan.MaxLookupCost)
		}
	} else {
		report.skip(PhaseComplexity, "lookup cost", "no samples configured")
	}

	if plan.ObserveWindow <= 0 {
		report.skip(PhaseComplexity, "periodic rate", "no observation window configured")
		return
	}

	var rate, err = h.SamplePeriodicRate(ctx, plan.ObserveWindow)
	if err != nil {
		report.add(PhaseComplexity, "periodic rate", false, "%v", err)
		return
	}
	report.add(PhaseComplexity, "periodic rate", rate.Rate < plan.MaxPeriodicRate,
		"%d calls/s, %d total in %s (limit %d) %s", rate.Rate, rate.Total, rate.Window, plan.MaxPeriodicRate, formatDistribution(rate.ByMethod))
}

func (h *Harness) faultPhase(ctx context.Context, report *Report, handles []*NodeHandle, plan Plan) {
	if plan.FaultSettle <= 0 {
		report.skip(PhaseFault, "survivors agree", "fault injection disabled")
		return
	}
	if len(handles) < 3 {
		report.skip(PhaseFault, "survivors agree", fmt.Sprintf("needs at least 3 nodes, ring has %d", len(handles)))
		return
	}

	var (
		victim = len(handles) / 2
		addr   = handles[victim].Addr()
	)

	var before = h.CheckUnanimous(ctx, handles, h.options.probeKey)
	report.add(PhaseFault, "agreement before kill", before.Passed(), "%s", describeVerification(before))

	var result, err = h.KillAndObserve(ctx, handles, victim, plan.FaultSettle)
	if err != nil {
		report.add(PhaseFault, "survivors agree", false, "%v", err)
		return
	}
	report.add(PhaseFault, "survivors agree", result.Passed(), "killed %s: %s", addr, describeVerification(result))
	report.add(PhaseFault, "victim not a lookup result", !result.ReferencesAddr(addr), "killed %s", addr)

	var view = h.Snapshot(ctx, handles)
	var pointing = view.SuccessorsOf(addr)
	report.add(PhaseFault, "victim not a successor", len(pointing) == 0,
		"%d survivors still point at %s", len(pointing), addr)
}

func describeVerification(r VerificationResult) string {
	var b strings.Builder

	if successor, ok := r.Successor(); ok && r.Agreement {
		b.WriteString(fmt.Sprintf("%d nodes agree on %s", len(r.Results), successor))
	} else {
		b.WriteString(fmt.Sprintf("%d answered without agreement", len(r.Results)))
	}
	if len(r.Failed) > 0 {
		b.WriteString(fmt.Sprintf(", %d failed", len(r.Failed)))
	}
	if len(r.Killed) > 0 {
		b.WriteString(fmt.Sprintf(", %d killed", len(r.Killed)))
	}
	if r.Attempts > 1 {
		b.WriteString(fmt.Sprintf(" after %d checks", r.Attempts))
	}

	return b.String()
}

func formatDistribution(byMethod map[string]int) string {
	if len(byMethod) == 0 {
		return ""
	}

	var methods = make([]string, 0, len(byMethod))
	for method := range byMethod {
		methods = append(methods, method)
	}
	slices.Sort(methods)

	var parts = make([]string, 0, len(methods))
	for _, method := range methods {
		parts = append(parts, fmt.Sprintf("%s=%d", method, byMethod[method]))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
