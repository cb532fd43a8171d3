package chordcheck

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ScenarioConfig is the file form of a scenario. Durations are written as Go
// duration strings ("2s", "500ms").
type ScenarioConfig struct {
	Binary     string   `yaml:"binary"`
	BinaryArgs []string `yaml:"binaryArgs"`
	BindIP     string   `yaml:"bindIp"`
	Nodes      int      `yaml:"nodes"`
	BasePort   int      `yaml:"basePort"`
	Seed       uint64   `yaml:"seed"`

	StabilizationIntervalMs int           `yaml:"stabilizationIntervalMs"`
	CallTimeout             time.Duration `yaml:"callTimeout"`
	StartupGrace            time.Duration `yaml:"startupGrace"`
	JoinSettle              time.Duration `yaml:"joinSettle"`
	StabilizationWait       time.Duration `yaml:"stabilizationWait"`
	FaultSettle             time.Duration `yaml:"faultSettle"`

	Convergence struct {
		Interval    time.Duration `yaml:"interval"`
		MaxAttempts int           `yaml:"maxAttempts"`
		Streak      int           `yaml:"streak"`
	} `yaml:"convergence"`

	IdentityRounds  int           `yaml:"identityRounds"`
	LookupSamples   int           `yaml:"lookupSamples"`
	MaxLookupCost   float64       `yaml:"maxLookupCost"`
	ObserveWindow   time.Duration `yaml:"observeWindow"`
	MaxPeriodicRate int           `yaml:"maxPeriodicRate"`
}

// DefaultScenarioConfig returns the reference scenario.
func DefaultScenarioConfig() ScenarioConfig {
	var (
		plan = DefaultPlan()
		opts = defaultOptions()
		cfg  = ScenarioConfig{
			Binary:                  "./chord",
			BindIP:                  opts.bindIP,
			Nodes:                   plan.Nodes,
			BasePort:                plan.BasePort,
			StabilizationIntervalMs: opts.stabilizationIntervalMs,
			CallTimeout:             opts.callTimeout,
			StartupGrace:            opts.startupGrace,
			JoinSettle:              opts.joinSettle,
			StabilizationWait:       opts.stabilizationWait,
			FaultSettle:             plan.FaultSettle,
			IdentityRounds:          plan.IdentityRounds,
			LookupSamples:           plan.LookupSamples,
			MaxLookupCost:           plan.MaxLookupCost,
			ObserveWindow:           plan.ObserveWindow,
			MaxPeriodicRate:         plan.MaxPeriodicRate,
		}
	)

	cfg.Convergence.Interval = opts.convergence.Interval
	cfg.Convergence.MaxAttempts = opts.convergence.MaxAttempts
	cfg.Convergence.Streak = opts.convergence.Streak

	return cfg
}

// LoadScenarioConfig reads a YAML scenario from path. Fields the file leaves
// out keep their defaults.
func LoadScenarioConfig(path string) (ScenarioConfig, error) {
	var cfg = DefaultScenarioConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read scenario config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse scenario config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate reports every setting that cannot produce a run.
func (c ScenarioConfig) Validate() error {
	var errs []error

	if c.Binary == "" {
		errs = append(errs, errors.New("binary must be set"))
	}
	if c.Nodes < 1 {
		errs = append(errs, fmt.Errorf("nodes must be at least 1, got %d", c.Nodes))
	}
	if c.BasePort < 1 || c.BasePort+c.Nodes-1 > 65535 {
		errs = append(errs, fmt.Errorf("ports %d..%d are out of range", c.BasePort, c.BasePort+c.Nodes-1))
	}
	if c.StabilizationIntervalMs < 1 {
		errs = append(errs, fmt.Errorf("stabilizationIntervalMs must be positive, got %d", c.StabilizationIntervalMs))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("callTimeout must be positive, got %s", c.CallTimeout))
	}
	if c.StartupGrace <= 0 {
		errs = append(errs, fmt.Errorf("startupGrace must be positive, got %s", c.StartupGrace))
	}
	if c.Convergence.Interval <= 0 {
		errs = append(errs, fmt.Errorf("convergence.interval must be positive, got %s", c.Convergence.Interval))
	}
	if c.LookupSamples < 0 {
		errs = append(errs, fmt.Errorf("lookupSamples must not be negative, got %d", c.LookupSamples))
	}

	return errors.Join(errs...)
}

// Options converts the config into Harness options. extra are applied last.
func (c ScenarioConfig) Options(extra ...Option) []Option {
	var opts = []Option{
		WithNodeBinary(c.Binary, c.BinaryArgs...),
		WithBindIP(c.BindIP),
		WithStabilizationInterval(c.StabilizationIntervalMs),
		WithCallTimeout(c.CallTimeout),
		WithJoinSettle(c.JoinSettle),
		WithStabilizationWait(c.StabilizationWait),
		WithConvergencePolicy(ConvergencePolicy{
			Interval:    c.Convergence.Interval,
			MaxAttempts: c.Convergence.MaxAttempts,
			Streak:      c.Convergence.Streak,
		}),
		WithSeed(c.Seed),
	}

	var defaults = defaultOptions()
	opts = append(opts, WithStartupGrace(c.StartupGrace, defaults.probeInterval))

	return append(opts, extra...)
}

// Plan returns the scenario plan described by the config.
func (c ScenarioConfig) Plan() Plan {
	return Plan{
		Nodes:           c.Nodes,
		BasePort:        c.BasePort,
		IdentityRounds:  c.IdentityRounds,
		LookupSamples:   c.LookupSamples,
		MaxLookupCost:   c.MaxLookupCost,
		ObserveWindow:   c.ObserveWindow,
		MaxPeriodicRate: c.MaxPeriodicRate,
		FaultSettle:     c.FaultSettle,
	}
}
