package chordcheck

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go-chordcheck/rpc"
)

// NodeInfo is one node's answer about a ring position. It is fetched fresh on
// every query and never cached, since it changes as the ring heals.
type NodeInfo struct {
	IP   string
	Port int
	ID   uint64
}

// Addr returns the node's address as host:port.
func (n NodeInfo) Addr() string {
	return joinAddr(n.IP, n.Port)
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%d@%s", n.ID, n.Addr())
}

// NodeHandle identifies a node process started by the Supervisor. Only the
// Supervisor controls its lifetime; everything else holds it as a reference.
type NodeHandle struct {
	IP        string
	Port      int
	PID       int
	StartedAt time.Time

	process Process
}

// Addr returns the node's bind address as host:port.
func (h *NodeHandle) Addr() string {
	return joinAddr(h.IP, h.Port)
}

func (h *NodeHandle) String() string {
	return fmt.Sprintf("%s (pid %d)", h.Addr(), h.PID)
}

// VerificationResult is the outcome of asking a set of nodes for the successor of one key.
// Map keys are indices into the handle slice that was checked.
type VerificationResult struct {
	Key       uint64
	Agreement bool
	Results   map[int]NodeInfo
	Failed    map[int]error
	Killed    map[int]bool
	Attempts  int
}

// Passed reports whether at least one node answered, every answering node
// returned the same identifier and no checked node failed.
func (r VerificationResult) Passed() bool {
	return r.Agreement && len(r.Failed) == 0
}

// Successor returns the agreed answer.
func (r VerificationResult) Successor() (NodeInfo, bool) {
	if !r.Agreement {
		return NodeInfo{}, false
	}
	for _, info := range r.Results {
		return info, true
	}
	return NodeInfo{}, false
}

// ReferencesAddr reports whether any answer points at addr.
func (r VerificationResult) ReferencesAddr(addr string) bool {
	for _, info := range r.Results {
		if info.Addr() == addr {
			return true
		}
	}
	return false
}

// Err describes why the result did not pass, or returns nil.
func (r VerificationResult) Err() error {
	if r.Passed() {
		return nil
	}

	var errs []error
	if len(r.Results) == 0 && len(r.Failed) == 0 {
		errs = append(errs, fmt.Errorf("no node answered for key %d", r.Key))
	}
	if !r.Agreement && len(r.Results) > 0 {
		var seen = make(map[uint64][]int)
		for i, info := range r.Results {
			seen[info.ID] = append(seen[info.ID], i)
		}
		errs = append(errs, fmt.Errorf("%w: key %d resolved to %d distinct identifiers %v", ErrDisagreement, r.Key, len(seen), seen))
	}
	for i, err := range r.Failed {
		errs = append(errs, fmt.Errorf("node %d: %w", i, err))
	}

	return errors.Join(errs...)
}

// LookupCostReport summarizes the message cost of single find_successor calls.
type LookupCostReport struct {
	Trials    int
	Succeeded int
	Costs     []int
	Mean      float64
	Failures  []error
}

// RateReport summarizes calls observed during an idle window.
type RateReport struct {
	Window   time.Duration
	Rate     int
	Total    int
	ByMethod map[string]int
}

// AverageRate returns the calls per second over the whole window.
func (r RateReport) AverageRate() float64 {
	if r.Window <= 0 {
		return 0
	}
	return float64(r.Total) / r.Window.Seconds()
}

func joinAddr(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

func nodeInfoFromRecord(record rpc.NodeRecord) NodeInfo {
	return NodeInfo{
		IP:   record.IP,
		Port: record.Port,
		ID:   record.ID,
	}
}

func (n NodeInfo) record() rpc.NodeRecord {
	return rpc.NodeRecord{
		IP:   n.IP,
		Port: n.Port,
		ID:   n.ID,
	}
}
