package chordcheck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillAndObserve(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		formRing = func(t *testing.T, ring *fakeRing, n int) (*Harness, []*NodeHandle) {
			var (
				h    = newTestHarness(t, ring)
				base = freeBasePort(t, n)
			)
			var handles, err = h.FormRing(newCtx(), n, base)
			require.NoError(t, err)
			require.Len(t, handles, n)
			return h, handles
		}
	)

	t.Run("should heal around a killed node", func(t *testing.T) {
		// Arrange
		var sut, handles = formRing(t, newFakeRing(), 5)
		var victim = handles[2]

		// Act
		var result, err = sut.KillAndObserve(newCtx(), handles, 2, time.Second)

		// Assert
		require.NoError(t, err)
		assert.True(t, result.Passed(), "%v", result.Err())
		assert.True(t, result.Killed[2])
		assert.Len(t, result.Results, 4)
		assert.False(t, result.ReferencesAddr(victim.Addr()))
		assert.False(t, sut.Supervisor().Tracked(victim))
	})

	t.Run("should report survivors that still route to the victim", func(t *testing.T) {
		// Arrange
		var (
			ring   = newFakeRing()
			base   = freeBasePort(t, 4)
			victim = 1
			probe  = fakeID(joinAddr("127.0.0.1", base+victim))
			sut    = newTestHarness(t, ring, WithProbeKey(probe))
		)
		ring.lingering = true
		var handles, err = sut.FormRing(newCtx(), 4, base)
		require.NoError(t, err)

		// Act
		result, err := sut.KillAndObserve(newCtx(), handles, victim, 50*time.Millisecond)

		// Assert
		require.NoError(t, err)
		assert.True(t, result.Agreement)
		assert.True(t, result.ReferencesAddr(handles[victim].Addr()))
		assert.True(t, result.Killed[victim])
		assert.Greater(t, result.Attempts, 1)
	})

	t.Run("should wait for the ring to drop the victim", func(t *testing.T) {
		// Arrange
		var (
			ring   = newFakeRing()
			base   = freeBasePort(t, 4)
			victim = 2
			probe  = fakeID(joinAddr("127.0.0.1", base+victim))
			sut    = newTestHarness(t, ring, WithProbeKey(probe))
		)
		ring.lingering = true
		var handles, err = sut.FormRing(newCtx(), 4, base)
		require.NoError(t, err)
		time.AfterFunc(200*time.Millisecond, ring.heal)

		// Act
		result, err := sut.KillAndObserve(newCtx(), handles, victim, 2*time.Second)

		// Assert
		require.NoError(t, err)
		assert.True(t, result.Passed(), "%v", result.Err())
		assert.False(t, result.ReferencesAddr(handles[victim].Addr()))
	})

	t.Run("should keep waiting while a survivor still points at the victim", func(t *testing.T) {
		// Arrange
		var (
			ring      = newFakeRing()
			base      = freeBasePort(t, 5)
			victim    = 2
			healDelay = 300 * time.Millisecond
			sut       = newTestHarness(t, ring, WithProbeKey(fakeID(joinAddr("127.0.0.1", base))))
		)
		ring.lingering = true
		ring.healDelay = healDelay
		var handles, err = sut.FormRing(newCtx(), 5, base)
		require.NoError(t, err)
		var victimAddr = handles[victim].Addr()

		// Act
		var start = time.Now()
		result, err := sut.KillAndObserve(newCtx(), handles, victim, 3*time.Second)
		var elapsed = time.Since(start)

		// Assert
		require.NoError(t, err)
		assert.True(t, result.Passed(), "%v", result.Err())
		assert.False(t, result.ReferencesAddr(victimAddr))
		assert.GreaterOrEqual(t, elapsed, healDelay, "returned before the ring dropped the victim")
		assert.Less(t, elapsed, 3*time.Second)

		var survivors = append(handles[:victim:victim], handles[victim+1:]...)
		assert.Empty(t, sut.Snapshot(newCtx(), survivors).SuccessorsOf(victimAddr))
	})

	t.Run("should reject a victim outside the ring", func(t *testing.T) {
		// Arrange
		var sut, handles = formRing(t, newFakeRing(), 3)

		// Act
		var _, err = sut.KillAndObserve(newCtx(), handles, 3, time.Second)

		// Assert
		assert.Error(t, err)
		assert.Len(t, sut.Supervisor().Handles(), 3)
	})
}
