package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	chordcheck "go-chordcheck"

	"github.com/eiannone/keyboard"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	configPath string
	binary     string
	bindIP     string
	basePort   int
	nodeCount  int
	intervalMs int
	logLevel   string
	noColor    bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "chordcheck",
		Short: "Correctness and performance checks for a Chord ring",
		Long: `Chordcheck starts a set of Chord node processes on consecutive ports,
joins them into one ring through the first node and checks that every node
resolves lookups to the same successor, that the ring heals after a node is
killed, and that lookups and background maintenance stay cheap.`,
		SilenceUsage: true,
	}

	var flags = rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Scenario file (YAML)")
	flags.StringVar(&binary, "binary", "", "Node executable (default ./chord)")
	flags.StringVar(&bindIP, "ip", "", "Address nodes bind to (default 127.0.0.1)")
	flags.IntVar(&basePort, "base-port", 0, "Port of the first node (default 5056)")
	flags.IntVar(&nodeCount, "nodes", 0, "Number of nodes (default 16)")
	flags.IntVar(&intervalMs, "interval", 0, "Stabilization interval passed to every node, in milliseconds (default 2000)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored log output")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Form a ring and check every property once",
			RunE:  runScenario,
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Form a ring and show its live state",
			RunE:  watchRing,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig returns the scenario file (or the defaults) with flags applied on top.
func loadConfig(cmd *cobra.Command) (chordcheck.ScenarioConfig, error) {
	var cfg = chordcheck.DefaultScenarioConfig()
	if configPath != "" {
		var err error
		if cfg, err = chordcheck.LoadScenarioConfig(configPath); err != nil {
			return cfg, err
		}
	}

	var flags = cmd.Flags()
	if flags.Changed("binary") {
		cfg.Binary = binary
	}
	if flags.Changed("ip") {
		cfg.BindIP = bindIP
	}
	if flags.Changed("base-port") {
		cfg.BasePort = basePort
	}
	if flags.Changed("nodes") {
		cfg.Nodes = nodeCount
	}
	if flags.Changed("interval") {
		cfg.StabilizationIntervalMs = intervalMs
	}

	return cfg, cfg.Validate()
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	// Logs go to stderr so they don't get cleared by status updates
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})), nil
}

func newHarness(cmd *cobra.Command) (*chordcheck.Harness, chordcheck.ScenarioConfig, error) {
	var cfg, err = loadConfig(cmd)
	if err != nil {
		return nil, cfg, fmt.Errorf("invalid scenario: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return nil, cfg, err
	}

	return chordcheck.NewHarness(cfg.Options(chordcheck.WithLogger(logger))...), cfg, nil
}

func runScenario(cmd *cobra.Command, args []string) error {
	var harness, cfg, err = newHarness(cmd)
	if err != nil {
		return err
	}

	var ctx, stop = signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Run %s: %d nodes from %s:%d\n", harness.RunID(), cfg.Nodes, cfg.BindIP, cfg.BasePort)

	report, err := harness.Run(ctx, cfg.Plan())
	fmt.Println()
	fmt.Print(report.String())

	if err != nil {
		return fmt.Errorf("run aborted: %w", err)
	}
	if !report.Passed() {
		return fmt.Errorf("%d properties failed", len(report.Failed()))
	}

	fmt.Printf("\n✓ All properties hold\n")
	return nil
}

func watchRing(cmd *cobra.Command, args []string) error {
	var harness, cfg, err = newHarness(cmd)
	if err != nil {
		return err
	}

	var ctx, stop = signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		fmt.Printf("Stopping nodes...\n")
		if err := harness.Close(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		}
	}()

	fmt.Printf("Forming ring of %d nodes...\n", cfg.Nodes)
	handles, err := harness.FormRing(ctx, cfg.Nodes, cfg.BasePort)
	if err != nil && len(handles) == 0 {
		return fmt.Errorf("failed to form ring: %w", err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  %v\n", err)
	}

	fmt.Printf("✓ Ring formed with %d nodes\n\n", len(handles))

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	// Keyboard input channel
	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	var ticker = time.NewTicker(cfg.Convergence.Interval)
	defer ticker.Stop()

	var message string
	printStatus(harness.Snapshot(ctx, handles), message)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case key := <-keyCh:
			switch key {
			case 'k', 'K':
				message = killMiddle(ctx, harness, handles, cfg.FaultSettle)
			case 'l', 'L':
				message = checkLookups(ctx, harness, handles)
			case 'r', 'R':
				message = "measuring background rate..."
				printStatus(harness.Snapshot(ctx, handles), message)
				message = measureRate(ctx, harness, cfg.ObserveWindow)
			case 'q', 'Q':
				fmt.Printf("\n\nShutting down...\n")
				return nil
			}
		}
		printStatus(harness.Snapshot(ctx, handles), message)
	}
}

func killMiddle(ctx context.Context, harness *chordcheck.Harness, handles []*chordcheck.NodeHandle, settle time.Duration) string {
	var victim = -1
	for i := len(handles) / 2; i < len(handles); i++ {
		if harness.Supervisor().Tracked(handles[i]) {
			victim = i
			break
		}
	}
	if victim <= 0 {
		return "no node left to kill"
	}

	var addr = handles[victim].Addr()
	printStatus(harness.Snapshot(ctx, handles), fmt.Sprintf("💥 killing %s, waiting up to %s for the ring to heal...", addr, settle))

	var result, err = harness.KillAndObserve(ctx, handles, victim, settle)
	if err != nil {
		return fmt.Sprintf("❌ kill %s: %v", addr, err)
	}
	if !result.Passed() || result.ReferencesAddr(addr) {
		return fmt.Sprintf("❌ killed %s, survivors did not heal: %v", addr, result.Err())
	}

	var successor, _ = result.Successor()
	return fmt.Sprintf("✓ killed %s, %d survivors agree on %s", addr, len(result.Results), successor)
}

func checkLookups(ctx context.Context, harness *chordcheck.Harness, handles []*chordcheck.NodeHandle) string {
	var failed []error
	var keys = []uint64{123, 1 << 31, 1<<32 - 1}
	for _, key := range keys {
		var result = harness.CheckUnanimous(ctx, handles, key)
		if err := result.Err(); err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Sprintf("❌ lookups disagree: %v", errors.Join(failed...))
	}
	return fmt.Sprintf("✓ all live nodes agree on %d keys", len(keys))
}

func measureRate(ctx context.Context, harness *chordcheck.Harness, window time.Duration) string {
	var report, err = harness.SamplePeriodicRate(ctx, window)
	if err != nil {
		return fmt.Sprintf("❌ rate: %v", err)
	}
	return fmt.Sprintf("background rate %d calls/s (%d in %s, %v)", report.Rate, report.Total, report.Window, report.ByMethod)
}

func printStatus(view chordcheck.RingView, message string) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Println(view.String())

	if message != "" {
		fmt.Printf("\n%s\n", message)
	}

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [k] Kill a node in the middle of the ring\n")
	fmt.Printf("  [l] Check lookups on every node\n")
	fmt.Printf("  [r] Measure background call rate\n")
	fmt.Printf("  [q] Stop all nodes and quit\n")
}
