package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrMalformedResponse is returned when a response does not follow the msgpack-rpc framing.
	ErrMalformedResponse = errors.New("malformed response")
)

// ServerError carries the error value a node put in its response.
type ServerError struct {
	Value any
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("remote error: %v", e.Value)
}

// Client issues msgpack-rpc calls to one address. Each call uses its own
// connection, so a Client is safe for concurrent use and never holds a
// connection to a node that has since died.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	seq     atomic.Uint32
}

// NewClient creates a client for addr. A timeout of zero leaves the call
// bounded only by the caller's context.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{
		addr:    addr,
		timeout: timeout,
	}
}

// Addr returns the address the client dials.
func (c *Client) Addr() string {
	return c.addr
}

// Call sends method with args and decodes the response result into result.
// A nil result discards whatever the node returned.
func (c *Client) Call(ctx context.Context, method string, result any, args ...any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var conn, err = c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	var stop = context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	var msgID = c.seq.Add(1)
	if err := writeRequest(conn, msgID, method, args); err != nil {
		return c.callError(ctx, fmt.Errorf("failed to send %s: %w", method, err))
	}

	var dec = msgpack.NewDecoder(bufio.NewReader(conn))
	if err := readResponse(dec, msgID, result); err != nil {
		return c.callError(ctx, err)
	}

	return nil
}

// callError prefers the context error so that timeouts are reported as such
// rather than as an opaque i/o deadline.
func (c *Client) callError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func writeRequest(conn net.Conn, msgID uint32, method string, args []any) error {
	if args == nil {
		args = []any{}
	}

	var (
		w   = bufio.NewWriter(conn)
		enc = msgpack.NewEncoder(w)
	)
	enc.UseCompactInts(true)

	if err := enc.Encode([]any{requestType, msgID, method, args}); err != nil {
		return err
	}
	return w.Flush()
}

func readResponse(dec *msgpack.Decoder, msgID uint32, result any) error {
	var n, err = dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if n != 4 {
		return fmt.Errorf("%w: %d elements", ErrMalformedResponse, n)
	}

	kind, err := dec.DecodeInt()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if kind != responseType {
		return fmt.Errorf("%w: message type %d", ErrMalformedResponse, kind)
	}

	id, err := dec.DecodeUint32()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if id != msgID {
		return fmt.Errorf("%w: msgid %d, want %d", ErrMalformedResponse, id, msgID)
	}

	remoteErr, err := dec.DecodeInterface()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if remoteErr != nil {
		return &ServerError{Value: remoteErr}
	}

	if result == nil {
		return dec.Skip()
	}
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	return nil
}
