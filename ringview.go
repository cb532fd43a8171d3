package chordcheck

import (
	"fmt"
	"strings"
)

// RingEntry is one node's position in a RingView. A nil Info or Successor
// means the node did not answer that query.
type RingEntry struct {
	Index     int
	Handle    *NodeHandle
	Info      *NodeInfo
	Successor *NodeInfo
	Err       error
}

// RingView is what every node reported about itself and its successor at one moment.
type RingView []RingEntry

// Responding returns how many nodes answered get_info.
func (v RingView) Responding() int {
	var n int
	for _, e := range v {
		if e.Info != nil {
			n++
		}
	}
	return n
}

// IDs returns the identifiers of every responding node, in entry order.
func (v RingView) IDs() []uint64 {
	var ids = make([]uint64, 0, len(v))
	for _, e := range v {
		if e.Info != nil {
			ids = append(ids, e.Info.ID)
		}
	}
	return ids
}

// SuccessorsOf returns the indices of entries whose successor points at addr.
func (v RingView) SuccessorsOf(addr string) []int {
	var indices []int
	for _, e := range v {
		if e.Successor != nil && e.Successor.Addr() == addr {
			indices = append(indices, e.Index)
		}
	}
	return indices
}

// String returns a visual representation of the ring state.
func (v RingView) String() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Nodes: %d | Responding: %d\n", len(v), v.Responding()))

	if len(v) == 0 {
		b.WriteString("\n[Empty Ring]\n")
		return b.String()
	}

	b.WriteString("\nRing State:\n")
	b.WriteString("┌─────────────────────────────────────────────────────────────┐\n")

	for _, e := range v {
		var addr = "?"
		if e.Handle != nil {
			addr = e.Handle.Addr()
		}

		if e.Info == nil {
			b.WriteString(fmt.Sprintf("│ ✗ #%-3d %-21s  not responding\n", e.Index+1, addr))
			continue
		}

		var successor = "unknown"
		if e.Successor != nil {
			successor = fmt.Sprintf("%d (%s)", e.Successor.ID, e.Successor.Addr())
		}

		b.WriteString(fmt.Sprintf("│ ● #%-3d %-21s  id:%-10d  succ: %s\n",
			e.Index+1, addr, e.Info.ID, successor))
	}

	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")

	return b.String()
}
