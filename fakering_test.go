package chordcheck

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"go-chordcheck/rpc"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// fakeBehavior scripts how one fake node misbehaves, keyed by port.
type fakeBehavior struct {
	failLaunch   bool
	unresponsive bool // launched, never listens
	exitEarly    bool // exits before listening
	failJoin     bool
	failLookups  bool
	answer       *NodeInfo // fixed find_successor answer

	keepListening bool // Terminate leaves the server bound
	rotateID      bool // every get_info reports a new identifier
	failInfoAfter int  // get_info fails once it has answered this many times
}

// fakeRing implements Launcher with in-process nodes that serve the node
// protocol on their exact bind address. Lookups resolve in one hop against
// the current membership.
type fakeRing struct {
	mu        sync.Mutex
	nodes     map[string]*fakeNode
	behaviors map[int]fakeBehavior
	lingering bool          // killed nodes stay in the membership until heal
	healDelay time.Duration // with lingering, heal this long after a node dies
	launches  []LaunchSpec
}

type fakeNode struct {
	ring     *fakeRing
	info     NodeInfo
	behavior fakeBehavior
	server   *rpc.Server

	member    bool
	dead      bool
	infoCalls int
	done      chan struct{}
	once      sync.Once
}

func newFakeRing() *fakeRing {
	return &fakeRing{
		nodes:     make(map[string]*fakeNode),
		behaviors: make(map[int]fakeBehavior),
	}
}

func (r *fakeRing) script(port int, behavior fakeBehavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[port] = behavior
}

func (r *fakeRing) setAnswer(port int, answer *NodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b = r.behaviors[port]
	b.answer = answer
	r.behaviors[port] = b
	for _, n := range r.nodes {
		if n.info.Port == port {
			n.behavior.answer = answer
		}
	}
}

// misbehave replaces the behavior of the running node on port and restarts
// its get_info count.
func (r *fakeRing) misbehave(port int, behavior fakeBehavior) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.behaviors[port] = behavior
	for _, n := range r.nodes {
		if n.info.Port == port {
			n.behavior = behavior
			n.infoCalls = 0
		}
	}
}

// release closes the server of the node on port, whatever its behavior.
func (r *fakeRing) release(port int) {
	r.mu.Lock()
	var servers []*rpc.Server
	for _, n := range r.nodes {
		if n.info.Port == port && n.server != nil {
			servers = append(servers, n.server)
		}
	}
	r.mu.Unlock()

	for _, server := range servers {
		_ = server.Close()
	}
}

// heal drops every dead node from the membership.
func (r *fakeRing) heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.dead {
			n.member = false
		}
	}
}

func (r *fakeRing) launched() []LaunchSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.launches)
}

func (r *fakeRing) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	r.mu.Lock()
	r.launches = append(r.launches, spec)
	var behavior = r.behaviors[spec.Port]
	r.mu.Unlock()

	if behavior.failLaunch {
		return nil, errors.New("exec: no such file")
	}

	var addr = joinAddr(spec.IP, spec.Port)
	var node = &fakeNode{
		ring:     r,
		info:     NodeInfo{IP: spec.IP, Port: spec.Port, ID: fakeID(addr)},
		behavior: behavior,
		done:     make(chan struct{}),
	}

	switch {
	case behavior.exitEarly:
		node.dead = true
		close(node.done)
	case !behavior.unresponsive:
		var server, err = rpc.Listen(addr, node.handlers())
		if err != nil {
			return nil, err
		}
		node.server = server
	}

	r.mu.Lock()
	r.nodes[addr] = node
	r.mu.Unlock()

	return node, nil
}

// successor returns the first member at or after key on the circle.
// Must be called with lock held.
func (r *fakeRing) successor(key uint64) (NodeInfo, bool) {
	var members []NodeInfo
	for _, n := range r.nodes {
		if n.member && (!n.dead || r.lingering) {
			members = append(members, n.info)
		}
	}
	if len(members) == 0 {
		return NodeInfo{}, false
	}

	slices.SortFunc(members, func(a, b NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	for _, m := range members {
		if m.ID >= key%keySpace {
			return m, true
		}
	}
	return members[0], true
}

func (n *fakeNode) handlers() map[string]rpc.Handler {
	return map[string]rpc.Handler{
		rpc.MethodGetInfo: func(params []msgpack.RawMessage) (any, error) {
			n.ring.mu.Lock()
			defer n.ring.mu.Unlock()

			n.infoCalls++
			if n.behavior.failInfoAfter > 0 && n.infoCalls > n.behavior.failInfoAfter {
				return nil, errors.New("node is shutting down")
			}
			var info = n.info
			if n.behavior.rotateID {
				info.ID += uint64(n.infoCalls)
			}
			return info.record(), nil
		},
		rpc.MethodCreate: func(params []msgpack.RawMessage) (any, error) {
			n.ring.mu.Lock()
			defer n.ring.mu.Unlock()
			n.member = true
			return nil, nil
		},
		rpc.MethodJoin: func(params []msgpack.RawMessage) (any, error) {
			var seed rpc.NodeRecord
			if err := rpc.DecodeParam(params, 0, &seed); err != nil {
				return nil, err
			}

			n.ring.mu.Lock()
			defer n.ring.mu.Unlock()
			if n.behavior.failJoin {
				return nil, errors.New("join refused")
			}
			if seedNode, ok := n.ring.nodes[joinAddr(seed.IP, seed.Port)]; !ok || !seedNode.member {
				return nil, fmt.Errorf("seed %s:%d is not in a ring", seed.IP, seed.Port)
			}
			n.member = true
			return nil, nil
		},
		rpc.MethodFindSuccessor: func(params []msgpack.RawMessage) (any, error) {
			var key uint64
			if err := rpc.DecodeParam(params, 0, &key); err != nil {
				return nil, err
			}

			n.ring.mu.Lock()
			defer n.ring.mu.Unlock()
			if n.behavior.failLookups {
				return nil, errors.New("lookup failed")
			}
			if n.behavior.answer != nil {
				return n.behavior.answer.record(), nil
			}
			var succ, ok = n.ring.successor(key)
			if !ok {
				return nil, errors.New("not in a ring")
			}
			return succ.record(), nil
		},
		rpc.MethodGetSuccessor: func(params []msgpack.RawMessage) (any, error) {
			n.ring.mu.Lock()
			defer n.ring.mu.Unlock()
			var succ, ok = n.ring.successor(n.info.ID + 1)
			if !ok {
				return n.info.record(), nil
			}
			return succ.record(), nil
		},
	}
}

func (n *fakeNode) PID() int {
	return 0
}

func (n *fakeNode) Done() <-chan struct{} {
	return n.done
}

func (n *fakeNode) Terminate(grace time.Duration) error {
	n.once.Do(func() {
		n.ring.mu.Lock()
		n.dead = true
		var (
			keep      = n.behavior.keepListening
			healDelay = n.ring.healDelay
			lingering = n.ring.lingering
		)
		n.ring.mu.Unlock()

		if n.server != nil && !keep {
			_ = n.server.Close()
		}
		if lingering && healDelay > 0 {
			time.AfterFunc(healDelay, n.ring.heal)
		}

		select {
		case <-n.done:
		default:
			close(n.done)
		}
	})
	return nil
}

func fakeID(addr string) uint64 {
	var h = fnv.New32a()
	_, _ = h.Write([]byte(addr))
	return uint64(h.Sum32())
}

// freeBasePort returns the first of n consecutive loopback ports that are
// currently free.
func freeBasePort(t *testing.T, n int) int {
	t.Helper()

	for range 50 {
		var (
			base = 20000 + rand.IntN(40000)
			free = true
		)
		for port := base; port < base+n; port++ {
			var l, err = net.Listen("tcp", joinAddr("127.0.0.1", port))
			if err != nil {
				free = false
				break
			}
			_ = l.Close()
		}
		if free {
			return base
		}
	}

	require.FailNow(t, "no free port range found")
	return 0
}

// newTestHarness returns a harness running nodes from ring with timings
// short enough for unit tests. Every node is stopped when the test ends.
func newTestHarness(t *testing.T, ring *fakeRing, opts ...Option) *Harness {
	t.Helper()

	var base = []Option{
		WithLauncher(ring),
		WithCallTimeout(500 * time.Millisecond),
		WithStartupGrace(500*time.Millisecond, 10*time.Millisecond),
		WithStopTiming(100*time.Millisecond, 5*time.Millisecond),
		WithJoinSettle(time.Millisecond),
		WithStabilizationWait(100 * time.Millisecond),
		WithConvergencePolicy(ConvergencePolicy{Interval: 10 * time.Millisecond, MaxAttempts: 5, Streak: 1}),
		WithSeed(42),
	}

	var h = NewHarness(append(base, opts...)...)
	t.Cleanup(func() {
		_ = h.Close(context.Background())
	})
	return h
}
