package chordcheck

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingView(t *testing.T) {
	var (
		a = &NodeInfo{IP: "127.0.0.1", Port: 5056, ID: 10}
		b = &NodeInfo{IP: "127.0.0.1", Port: 5057, ID: 20}

		newView = func() RingView {
			return RingView{
				{Index: 0, Handle: &NodeHandle{IP: a.IP, Port: a.Port}, Info: a, Successor: b},
				{Index: 1, Handle: &NodeHandle{IP: b.IP, Port: b.Port}, Info: b, Successor: a},
				{Index: 2, Handle: &NodeHandle{IP: "127.0.0.1", Port: 5058}, Err: errors.New("refused")},
			}
		}
	)

	t.Run("should count responding nodes", func(t *testing.T) {
		// Arrange
		var sut = newView()

		// Act & Assert
		assert.Equal(t, 2, sut.Responding())
		assert.Equal(t, []uint64{10, 20}, sut.IDs())
	})

	t.Run("should find nodes pointing at an address", func(t *testing.T) {
		// Arrange
		var sut = newView()

		// Act
		var pointing = sut.SuccessorsOf(b.Addr())

		// Assert
		assert.Equal(t, []int{0}, pointing)
		assert.Empty(t, sut.SuccessorsOf("127.0.0.1:5058"))
	})

	t.Run("should render every entry", func(t *testing.T) {
		// Arrange
		var sut = newView()

		// Act
		var out = sut.String()

		// Assert
		assert.Contains(t, out, "Nodes: 3 | Responding: 2")
		assert.Contains(t, out, "127.0.0.1:5056")
		assert.Contains(t, out, "succ: 20 (127.0.0.1:5057)")
		assert.Contains(t, out, "not responding")
	})

	t.Run("should render an empty ring", func(t *testing.T) {
		// Arrange & Act
		var out = RingView(nil).String()

		// Assert
		assert.Contains(t, out, "[Empty Ring]")
	})
}
