package chordcheck

import (
	"context"
	"fmt"
	"log/slog"
)

// driver forms a ring: create on the first node, then strictly sequential
// joins through it, each followed by a fixed settle delay.
type driver struct {
	supervisor *Supervisor
	clients    *clientPool
	verifier   *verifier
	options    options
}

func newDriver(supervisor *Supervisor, clients *clientPool, v *verifier, opts options) *driver {
	return &driver{
		supervisor: supervisor,
		clients:    clients,
		verifier:   v,
		options:    opts,
	}
}

// formRing starts nodeCount nodes on consecutive ports from basePort and joins
// them into one ring through the first node that started. No node starting at
// all, or the seed failing to create, is fatal; any other node that fails to
// start or join is stopped and left out of the result.
func (d *driver) formRing(ctx context.Context, nodeCount, basePort int) ([]*NodeHandle, error) {
	if nodeCount < 1 {
		return nil, fmt.Errorf("ring needs at least one node, got %d", nodeCount)
	}

	var (
		started = make([]*NodeHandle, 0, nodeCount)
		lastErr error
	)
	for i := range nodeCount {
		var port = basePort + i
		var handle, err = d.supervisor.Start(ctx, d.options.bindIP, port, d.options.stabilizationIntervalMs)
		if err != nil {
			if ctx.Err() != nil {
				return started, ctx.Err()
			}
			d.options.logger.Warn("failed to start node, leaving it out of the ring", "port", port, "error", err)
			lastErr = err
			continue
		}
		started = append(started, handle)
	}

	if len(started) == 0 {
		return nil, fmt.Errorf("%w: ports %d..%d: %w", ErrNoNodes, basePort, basePort+nodeCount-1, lastErr)
	}

	var (
		seed       = started[0]
		seedClient = d.clients.forHandle(seed)
	)

	if err := seedClient.Create(ctx); err != nil {
		return started, fmt.Errorf("failed to create ring on %s: %w", seed.Addr(), err)
	}
	d.options.logger.Info("created ring", "seed", seed.Addr())

	if err := sleepContext(ctx, d.options.joinSettle); err != nil {
		return started, err
	}

	var members = []*NodeHandle{seed}
	for _, node := range started[1:] {
		if err := d.join(ctx, seedClient, node); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return append(members, node), ctxErr
			}
			d.options.logger.Warn("join failed, stopping node", "addr", node.Addr(), "error", err)
			if stopErr := d.supervisor.Stop(ctx, node); stopErr != nil {
				d.options.logger.Warn("failed to stop node after join failure", "addr", node.Addr(), "error", stopErr)
			}
			continue
		}
		members = append(members, node)

		if err := sleepContext(ctx, d.options.joinSettle); err != nil {
			return members, err
		}

		if d.options.logger.Enabled(ctx, slog.LevelDebug) {
			d.options.logger.Debug("ring state after join", "view", "\n"+d.snapshot(ctx, members).String())
		}
	}

	if _, err := d.awaitStable(ctx, members); err != nil {
		return members, err
	}

	return members, nil
}

// join asks node to join through the seed, using a freshly fetched seed identity.
func (d *driver) join(ctx context.Context, seedClient *Client, node *NodeHandle) error {
	var seedInfo, err = seedClient.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch seed info: %w", err)
	}

	if err := d.clients.forHandle(node).Join(ctx, seedInfo); err != nil {
		return err
	}

	d.options.logger.Info("node joined", "addr", node.Addr(), "seed", seedInfo.String())
	return nil
}

// awaitStable waits at most the stabilization period for every member to
// agree on the probe key. Not converging is logged, not returned: the checks
// that follow report it per property.
func (d *driver) awaitStable(ctx context.Context, members []*NodeHandle) (VerificationResult, error) {
	var (
		policy = d.options.convergence.within(d.options.stabilizationWait)
		result VerificationResult
	)

	var attempts, converged, err = policy.await(ctx, func(ctx context.Context) bool {
		result = d.verifier.checkUnanimous(ctx, members, d.options.probeKey, nil)
		return result.Passed()
	})
	result.Attempts = attempts
	if err != nil {
		return result, err
	}

	if !converged {
		d.options.logger.Warn("ring did not converge within the stabilization wait",
			"wait", d.options.stabilizationWait,
			"error", result.Err())
		return result, nil
	}

	d.options.logger.Info("ring converged", "nodes", len(members), "checks", attempts)
	return result, nil
}

// snapshot asks every handle for its identity and successor. A node that does
// not answer yields an entry with unknown fields, never an error.
func (d *driver) snapshot(ctx context.Context, handles []*NodeHandle) RingView {
	var view = make(RingView, len(handles))

	fanOut(ctx, d.options.fanout, len(handles), func(ctx context.Context, i int) {
		var (
			entry  = RingEntry{Index: i, Handle: handles[i]}
			client = d.clients.forHandle(handles[i])
		)

		var info, err = client.GetInfo(ctx)
		if err != nil {
			entry.Err = err
			view[i] = entry
			return
		}
		entry.Info = &info

		successor, err := client.GetSuccessor(ctx)
		if err != nil {
			entry.Err = err
		} else {
			entry.Successor = &successor
		}
		view[i] = entry
	})

	return view
}
