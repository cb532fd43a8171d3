package chordcheck

import (
	"context"
	"sync"
	"time"

	"go-chordcheck/rpc"
)

// Client is an instrumented connection to one ring node. Every invocation is
// recorded in the shared counter before dispatch, whether or not it succeeds.
type Client struct {
	addr    string
	counter *MessageCounter
	conn    *rpc.Client
}

// NewClient creates a client for the node at addr that records into counter.
func NewClient(addr string, counter *MessageCounter, timeout time.Duration) *Client {
	return &Client{
		addr:    addr,
		counter: counter,
		conn:    rpc.NewClient(addr, timeout),
	}
}

// Addr returns the node address this client calls.
func (c *Client) Addr() string {
	return c.addr
}

// Invoke records method in the counter, then calls it synchronously.
// Failures are returned as *RemoteCallError.
func (c *Client) Invoke(ctx context.Context, method string, result any, args ...any) error {
	c.counter.Record(method)

	if err := c.conn.Call(ctx, method, result, args...); err != nil {
		return &RemoteCallError{Addr: c.addr, Method: method, Err: err}
	}
	return nil
}

// GetInfo asks the node for its own identity.
func (c *Client) GetInfo(ctx context.Context) (NodeInfo, error) {
	var record rpc.NodeRecord
	if err := c.Invoke(ctx, rpc.MethodGetInfo, &record); err != nil {
		return NodeInfo{}, err
	}
	return nodeInfoFromRecord(record), nil
}

// Create seeds a new single-node ring on the node.
func (c *Client) Create(ctx context.Context) error {
	return c.Invoke(ctx, rpc.MethodCreate, nil)
}

// Join asks the node to join the ring that seed belongs to.
func (c *Client) Join(ctx context.Context, seed NodeInfo) error {
	return c.Invoke(ctx, rpc.MethodJoin, nil, seed.record())
}

// FindSuccessor resolves the node responsible for key.
func (c *Client) FindSuccessor(ctx context.Context, key uint64) (NodeInfo, error) {
	var record rpc.NodeRecord
	if err := c.Invoke(ctx, rpc.MethodFindSuccessor, &record, key); err != nil {
		return NodeInfo{}, err
	}
	return nodeInfoFromRecord(record), nil
}

// GetSuccessor returns the node's immediate successor pointer.
func (c *Client) GetSuccessor(ctx context.Context) (NodeInfo, error) {
	var record rpc.NodeRecord
	if err := c.Invoke(ctx, rpc.MethodGetSuccessor, &record); err != nil {
		return NodeInfo{}, err
	}
	return nodeInfoFromRecord(record), nil
}

// clientPool hands out one Client per node address, all sharing one counter.
type clientPool struct {
	mu      sync.Mutex
	clients map[string]*Client
	counter *MessageCounter
	timeout time.Duration
}

func newClientPool(counter *MessageCounter, timeout time.Duration) *clientPool {
	return &clientPool{
		clients: make(map[string]*Client),
		counter: counter,
		timeout: timeout,
	}
}

func (p *clientPool) get(addr string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	var client, ok = p.clients[addr]
	if !ok {
		client = NewClient(addr, p.counter, p.timeout)
		p.clients[addr] = client
	}
	return client
}

func (p *clientPool) forHandle(h *NodeHandle) *Client {
	return p.get(h.Addr())
}
