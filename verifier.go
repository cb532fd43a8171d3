package chordcheck

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// verifier checks that independent nodes agree on lookups.
type verifier struct {
	supervisor *Supervisor
	clients    *clientPool
	options    options
}

func newVerifier(supervisor *Supervisor, clients *clientPool, opts options) *verifier {
	return &verifier{
		supervisor: supervisor,
		clients:    clients,
		options:    opts,
	}
}

// checkUnanimous asks every live handle for the successor of key.
// Handles the supervisor no longer tracks, or listed in skip, are reported as
// killed and not queried.
func (v *verifier) checkUnanimous(ctx context.Context, handles []*NodeHandle, key uint64, skip map[int]bool) VerificationResult {
	var (
		answers = make([]NodeInfo, len(handles))
		errs    = make([]error, len(handles))
		queried = make([]bool, len(handles))
		result  = VerificationResult{
			Key:     key,
			Results: make(map[int]NodeInfo),
			Failed:  make(map[int]error),
			Killed:  make(map[int]bool),
		}
	)

	for i, h := range handles {
		if skip[i] || !v.supervisor.Tracked(h) {
			result.Killed[i] = true
			continue
		}
		queried[i] = true
	}

	fanOut(ctx, v.options.fanout, len(handles), func(ctx context.Context, i int) {
		if !queried[i] {
			return
		}
		answers[i], errs[i] = v.clients.forHandle(handles[i]).FindSuccessor(ctx, key)
	})

	for i := range handles {
		if !queried[i] {
			continue
		}
		if errs[i] != nil {
			result.Failed[i] = errs[i]
			continue
		}
		result.Results[i] = answers[i]
	}
	result.Agreement = unanimous(result.Results)

	if !result.Passed() {
		v.options.logger.Debug("unanimity check did not pass",
			"key", key,
			"answered", len(result.Results),
			"failed", len(result.Failed),
			"error", result.Err())
	}

	return result
}

// awaitUnanimous retries checkUnanimous under policy and returns the last result.
func (v *verifier) awaitUnanimous(ctx context.Context, handles []*NodeHandle, key uint64, skip map[int]bool, policy ConvergencePolicy) VerificationResult {
	var last VerificationResult
	var attempts, _, _ = policy.await(ctx, func(ctx context.Context) bool {
		last = v.checkUnanimous(ctx, handles, key, skip)
		return last.Passed()
	})
	last.Attempts = attempts
	return last
}

// IdentityResult is the outcome of repeated get_info calls on each node.
type IdentityResult struct {
	IDs      map[int]uint64
	Unstable map[int][]uint64
	Failed   map[int]error
}

// Passed reports whether every node kept one identifier and none failed.
func (r IdentityResult) Passed() bool {
	return len(r.IDs) > 0 && len(r.Unstable) == 0 && len(r.Failed) == 0
}

// checkIdentity calls get_info rounds times on each live handle.
func (v *verifier) checkIdentity(ctx context.Context, handles []*NodeHandle, rounds int) IdentityResult {
	var (
		seen   = make([][]uint64, len(handles))
		errs   = make([]error, len(handles))
		result = IdentityResult{
			IDs:      make(map[int]uint64),
			Unstable: make(map[int][]uint64),
			Failed:   make(map[int]error),
		}
	)

	fanOut(ctx, v.options.fanout, len(handles), func(ctx context.Context, i int) {
		if !v.supervisor.Tracked(handles[i]) {
			return
		}
		var client = v.clients.forHandle(handles[i])
		for range max(rounds, 1) {
			var info, err = client.GetInfo(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			seen[i] = append(seen[i], info.ID)
		}
	})

	for i := range handles {
		switch {
		case errs[i] != nil:
			result.Failed[i] = errs[i]
		case len(seen[i]) == 0:
		case !allEqual(seen[i]):
			result.Unstable[i] = seen[i]
		default:
			result.IDs[i] = seen[i][0]
		}
	}

	return result
}

// fanOut runs fn for every index in [0, n) with at most limit in flight.
// fn reports its own outcome; one failing index never stops the others.
func fanOut(ctx context.Context, limit, n int, fn func(ctx context.Context, i int)) {
	var g errgroup.Group
	g.SetLimit(max(limit, 1))

	for i := range n {
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}

	_ = g.Wait()
}

// unanimous reports whether there is at least one answer and all answers
// carry the same ring identifier. Addresses are informational only.
func unanimous(results map[int]NodeInfo) bool {
	if len(results) == 0 {
		return false
	}

	var (
		first = true
		id    uint64
	)
	for _, info := range results {
		if first {
			id, first = info.ID, false
			continue
		}
		if info.ID != id {
			return false
		}
	}
	return true
}

func allEqual(ids []uint64) bool {
	for _, id := range ids {
		if id != ids[0] {
			return false
		}
	}
	return true
}
