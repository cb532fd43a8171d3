package chordcheck

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioConfig(t *testing.T) {
	var writeFile = func(t *testing.T, content string) string {
		var path = filepath.Join(t.TempDir(), "scenario.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	t.Run("should default to the reference scenario", func(t *testing.T) {
		// Arrange & Act
		var sut = DefaultScenarioConfig()

		// Assert
		require.NoError(t, sut.Validate())
		assert.Equal(t, "./chord", sut.Binary)
		assert.Equal(t, 16, sut.Nodes)
		assert.Equal(t, 5056, sut.BasePort)
		assert.Equal(t, 2000, sut.StabilizationIntervalMs)
		assert.Equal(t, 2*time.Second, sut.JoinSettle)
		assert.Equal(t, 20*time.Second, sut.StabilizationWait)
		assert.Equal(t, 40*time.Second, sut.FaultSettle)
		assert.Equal(t, 50, sut.LookupSamples)
		assert.Equal(t, 7.0, sut.MaxLookupCost)
		assert.Equal(t, 5*time.Second, sut.ObserveWindow)
		assert.Equal(t, 64, sut.MaxPeriodicRate)
	})

	t.Run("should keep defaults for fields the file leaves out", func(t *testing.T) {
		// Arrange
		var path = writeFile(t, `
binary: /opt/chord/node
binaryArgs: ["--quiet"]
nodes: 4
joinSettle: 500ms
convergence:
  interval: 250ms
`)

		// Act
		var sut, err = LoadScenarioConfig(path)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "/opt/chord/node", sut.Binary)
		assert.Equal(t, []string{"--quiet"}, sut.BinaryArgs)
		assert.Equal(t, 4, sut.Nodes)
		assert.Equal(t, 500*time.Millisecond, sut.JoinSettle)
		assert.Equal(t, 250*time.Millisecond, sut.Convergence.Interval)
		assert.Equal(t, 5, sut.Convergence.MaxAttempts)
		assert.Equal(t, 5056, sut.BasePort)
		assert.Equal(t, "127.0.0.1", sut.BindIP)
	})

	t.Run("should reject an invalid scenario", func(t *testing.T) {
		// Arrange
		var path = writeFile(t, "nodes: 0\nbasePort: 70000\n")

		// Act
		var _, err = LoadScenarioConfig(path)

		// Assert
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nodes must be at least 1")
		assert.Contains(t, err.Error(), "out of range")
	})

	t.Run("should fail on malformed yaml", func(t *testing.T) {
		// Arrange
		var path = writeFile(t, "nodes: [1, 2\n")

		// Act
		var _, err = LoadScenarioConfig(path)

		// Assert
		assert.Error(t, err)
	})

	t.Run("should fail on a missing file", func(t *testing.T) {
		// Arrange & Act
		var _, err = LoadScenarioConfig(filepath.Join(t.TempDir(), "missing.yaml"))

		// Assert
		assert.Error(t, err)
	})

	t.Run("should carry settings into harness options and plan", func(t *testing.T) {
		// Arrange
		var sut = DefaultScenarioConfig()
		sut.Binary = "/bin/node"
		sut.BinaryArgs = []string{"-v"}
		sut.JoinSettle = 3 * time.Second
		sut.Seed = 7
		sut.Nodes = 8

		// Act
		var opts = defaultOptions()
		for _, opt := range sut.Options() {
			opt(&opts)
		}
		var plan = sut.Plan()

		// Assert
		assert.Equal(t, ExecLauncher{Path: "/bin/node", Args: []string{"-v"}}, opts.launcher)
		assert.Equal(t, 3*time.Second, opts.joinSettle)
		assert.Equal(t, uint64(7), opts.seed)
		assert.Equal(t, 8, plan.Nodes)
		assert.Equal(t, sut.FaultSettle, plan.FaultSettle)
	})
}
