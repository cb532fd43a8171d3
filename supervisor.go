package chordcheck

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Supervisor starts, tracks and stops node processes. Its registry, keyed by
// bind address, is the only record of which nodes the harness owns.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*NodeHandle // nil value: address reserved by a Start in progress
	clients *clientPool
	options options
}

func newSupervisor(clients *clientPool, opts options) *Supervisor {
	return &Supervisor{
		handles: make(map[string]*NodeHandle),
		clients: clients,
		options: opts,
	}
}

// Start launches a node bound to ip:port and blocks until it answers get_info
// or the startup grace period elapses. An address that is tracked, or already
// bound by another process, is refused before anything is launched.
func (s *Supervisor) Start(ctx context.Context, ip string, port, intervalMs int) (*NodeHandle, error) {
	var addr = joinAddr(ip, port)

	s.mu.Lock()
	if _, exists := s.handles[addr]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	s.handles[addr] = nil
	s.mu.Unlock()

	var release = func() {
		s.mu.Lock()
		delete(s.handles, addr)
		s.mu.Unlock()
	}

	if pids, err := listenersOn(ctx, ip, port); err != nil {
		s.options.logger.Debug("skipping bound address check", "addr", addr, "error", err)
	} else if len(pids) > 0 {
		release()
		return nil, fmt.Errorf("%w: %s is bound by pid %v", ErrAddressInUse, addr, pids)
	}

	var proc, err = s.options.launcher.Launch(ctx, LaunchSpec{
		IP:                      ip,
		Port:                    port,
		StabilizationIntervalMs: intervalMs,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to launch node at %s: %w", addr, err)
	}

	var handle = &NodeHandle{
		IP:        ip,
		Port:      port,
		PID:       proc.PID(),
		StartedAt: time.Now(),
		process:   proc,
	}

	if err := s.awaitReachable(ctx, handle); err != nil {
		if termErr := proc.Terminate(s.options.terminateGrace); termErr != nil {
			s.options.logger.Warn("failed to terminate unreachable node", "addr", addr, "error", termErr)
		}
		release()
		return nil, err
	}

	s.mu.Lock()
	s.handles[addr] = handle
	s.mu.Unlock()

	s.options.logger.Info("node started",
		"addr", addr,
		"pid", handle.PID,
		"startup", time.Since(handle.StartedAt).Round(time.Millisecond))

	return handle, nil
}

// awaitReachable polls get_info until it succeeds, the process exits, or the
// startup grace elapses.
func (s *Supervisor) awaitReachable(ctx context.Context, h *NodeHandle) error {
	var (
		client  = s.clients.forHandle(h)
		timeout = time.After(s.options.startupGrace)
		ticker  = time.NewTicker(s.options.probeInterval)
		lastErr error
	)
	defer ticker.Stop()

	for {
		if _, lastErr = client.GetInfo(ctx); lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.process.Done():
			return fmt.Errorf("%w: node at %s exited before answering", ErrStartupTimeout, h.Addr())
		case <-timeout:
			return fmt.Errorf("%w: node at %s: %w", ErrStartupTimeout, h.Addr(), lastErr)
		case <-ticker.C:
		}
	}
}

// Stop terminates h and waits the settle delay. Stopping a node that is no
// longer tracked is a no-op.
func (s *Supervisor) Stop(ctx context.Context, h *NodeHandle) error {
	if h == nil {
		return nil
	}

	s.mu.Lock()
	var tracked, ok = s.handles[h.Addr()]
	if !ok || tracked != h {
		s.mu.Unlock()
		return nil
	}
	delete(s.handles, h.Addr())
	s.mu.Unlock()

	return s.terminate(ctx, []*NodeHandle{h})
}

// StopByPort stops every tracked node bound to port. Zero matches is not an error.
func (s *Supervisor) StopByPort(ctx context.Context, port int) error {
	s.mu.Lock()
	var matches []*NodeHandle
	for addr, h := range s.handles {
		if h != nil && h.Port == port {
			matches = append(matches, h)
			delete(s.handles, addr)
		}
	}
	s.mu.Unlock()

	if len(matches) == 0 {
		return nil
	}
	return s.terminate(ctx, matches)
}

// StopAll stops every tracked node. It is safe to call repeatedly and when
// some nodes have already exited.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	var all = make([]*NodeHandle, 0, len(s.handles))
	for addr, h := range s.handles {
		if h != nil {
			all = append(all, h)
			delete(s.handles, addr)
		}
	}
	s.mu.Unlock()

	if len(all) == 0 {
		return nil
	}

	s.options.logger.Info("stopping all nodes", "count", len(all))
	return s.terminate(ctx, all)
}

// terminate signals every handle concurrently, waits one settle delay and
// then confirms each process is gone and nothing listens on its address. It runs to completion even when ctx is
// already cancelled, since it is also the cleanup path.
func (s *Supervisor) terminate(ctx context.Context, handles []*NodeHandle) error {
	ctx = context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.process.Terminate(s.options.terminateGrace); err != nil {
				s.options.logger.Warn("failed to terminate node", "addr", h.Addr(), "error", err)
			}
		}()
	}
	wg.Wait()

	_ = sleepContext(ctx, s.options.stopSettle)

	var errs []error
	for _, h := range handles {
		if processAlive(h.process) {
			s.options.logger.Warn("node still present after stop", "addr", h.Addr(), "pid", h.PID)
			errs = append(errs, fmt.Errorf("%w: pid %d at %s", ErrProcessTermination, h.PID, h.Addr()))
			continue
		}

		var pids, err = listenersOn(ctx, h.IP, h.Port)
		if err != nil {
			s.options.logger.Debug("skipping bound address check", "addr", h.Addr(), "error", err)
		} else if len(pids) > 0 {
			s.options.logger.Warn("address still bound after stop", "addr", h.Addr(), "pids", pids)
			errs = append(errs, fmt.Errorf("%w: %s still bound by pid %v", ErrProcessTermination, h.Addr(), pids))
			continue
		}
		s.options.logger.Info("node stopped", "addr", h.Addr(), "pid", h.PID)
	}

	return errors.Join(errs...)
}

// Alive reports whether h is tracked and its process is still running.
func (s *Supervisor) Alive(ctx context.Context, h *NodeHandle) bool {
	return s.Tracked(h) && processAlive(h.process)
}

// Tracked reports whether h is still owned by the supervisor.
func (s *Supervisor) Tracked(h *NodeHandle) bool {
	if h == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[h.Addr()] == h
}

// Lookup returns the tracked handle bound to ip:port.
func (s *Supervisor) Lookup(ip string, port int) (*NodeHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h = s.handles[joinAddr(ip, port)]
	return h, h != nil
}

// Handles returns every tracked handle ordered by port.
func (s *Supervisor) Handles() []*NodeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all = make([]*NodeHandle, 0, len(s.handles))
	for _, h := range s.handles {
		if h != nil {
			all = append(all, h)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Port != all[j].Port {
			return all[i].Port < all[j].Port
		}
		return all[i].IP < all[j].IP
	})
	return all
}

// sleepContext waits d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
