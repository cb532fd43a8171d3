package chordcheck

import (
	"io"
	"log/slog"
	"time"
)

// options configures the Harness behavior (internal only).
type options struct {
	bindIP                  string
	stabilizationIntervalMs int
	callTimeout             time.Duration
	startupGrace            time.Duration
	probeInterval           time.Duration
	terminateGrace          time.Duration
	stopSettle              time.Duration
	joinSettle              time.Duration
	stabilizationWait       time.Duration
	convergence             ConvergencePolicy
	probeKey                uint64
	fanout                  int
	seed                    uint64
	launcher                Launcher
	logger                  *slog.Logger
}

// defaultOptions returns the timings the reference node was exercised with.
func defaultOptions() options {
	return options{
		bindIP:                  "127.0.0.1",
		stabilizationIntervalMs: 2000,
		callTimeout:             3 * time.Second,
		startupGrace:            5 * time.Second,
		probeInterval:           100 * time.Millisecond,
		terminateGrace:          2 * time.Second,
		stopSettle:              time.Second,
		joinSettle:              2 * time.Second,
		stabilizationWait:       20 * time.Second,
		convergence: ConvergencePolicy{
			Interval:    time.Second,
			MaxAttempts: 5,
			Streak:      2,
		},
		probeKey: 123,
		fanout:   16,
		launcher: ExecLauncher{Path: "./chord"},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Harness.
type Option func(*options)

// WithBindIP sets the address nodes are started on.
// DEFAULT: 127.0.0.1
func WithBindIP(ip string) Option {
	return func(o *options) {
		o.bindIP = ip
	}
}

// WithStabilizationInterval sets the stabilization interval passed to every node, in milliseconds.
func WithStabilizationInterval(ms int) Option {
	return func(o *options) {
		o.stabilizationIntervalMs = ms
	}
}

// WithCallTimeout bounds every remote call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.callTimeout = timeout
	}
}

// WithStartupGrace sets how long a new node has to answer its first probe,
// and how often it is probed.
func WithStartupGrace(grace, probeInterval time.Duration) Option {
	return func(o *options) {
		o.startupGrace = grace
		o.probeInterval = probeInterval
	}
}

// WithStopTiming sets how long a node gets to exit after SIGTERM before it is
// killed, and the fixed settle delay after every stop.
func WithStopTiming(terminateGrace, settle time.Duration) Option {
	return func(o *options) {
		o.terminateGrace = terminateGrace
		o.stopSettle = settle
	}
}

// WithJoinSettle sets the fixed delay after create and after every join.
func WithJoinSettle(settle time.Duration) Option {
	return func(o *options) {
		o.joinSettle = settle
	}
}

// WithStabilizationWait sets the upper bound on waiting for a freshly formed ring to converge.
func WithStabilizationWait(wait time.Duration) Option {
	return func(o *options) {
		o.stabilizationWait = wait
	}
}

// WithConvergencePolicy sets how agreement checks are retried.
func WithConvergencePolicy(policy ConvergencePolicy) Option {
	return func(o *options) {
		o.convergence = policy
	}
}

// WithProbeKey sets the key used for convergence and fault checks.
// DEFAULT: 123
func WithProbeKey(key uint64) Option {
	return func(o *options) {
		o.probeKey = key
	}
}

// WithFanout limits how many nodes are queried at once.
func WithFanout(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.fanout = n
		}
	}
}

// WithSeed makes random node and key selection reproducible.
// DEFAULT: a random seed
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithLauncher sets how node processes are started.
// DEFAULT: ./chord in the working directory
func WithLauncher(launcher Launcher) Option {
	return func(o *options) {
		if launcher != nil {
			o.launcher = launcher
		}
	}
}

// WithNodeBinary starts nodes from path. args are placed before the
// positional bind ip, port and interval parameters.
func WithNodeBinary(path string, args ...string) Option {
	return func(o *options) {
		o.launcher = ExecLauncher{Path: path, Args: args}
	}
}

// WithLogger sets the logger for the harness.
// If the logger is nil, the harness will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
