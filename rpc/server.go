package rpc

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedRequest is returned when an incoming message does not follow the msgpack-rpc framing.
var ErrMalformedRequest = errors.New("malformed request")

// Handler serves one method. params holds the still-encoded arguments.
type Handler func(params []msgpack.RawMessage) (any, error)

// Server answers msgpack-rpc requests on one listener. It stands in for a ring
// node when the harness is exercised without real node processes.
type Server struct {
	listener net.Listener
	handlers map[string]Handler

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type request struct {
	kind   int
	msgID  uint32
	method string
	params []msgpack.RawMessage
}

// Listen binds addr and starts serving handlers in the background.
func Listen(addr string, handlers map[string]Handler) (*Server, error) {
	var listener, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	var s = &Server{
		listener: listener,
		handlers: handlers,
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting, drops every open connection and waits for the
// serving goroutines to finish. Calls in flight fail on the client side.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err = s.listener.Close()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		var conn, err = s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	var (
		dec = msgpack.NewDecoder(bufio.NewReader(conn))
		w   = bufio.NewWriter(conn)
		enc = msgpack.NewEncoder(w)
	)
	enc.UseCompactInts(true)

	for {
		var req, err = readRequest(dec)
		if err != nil {
			return
		}

		var result, handlerErr = s.dispatch(req)
		if req.kind == notificationType {
			continue
		}

		var remoteErr any
		if handlerErr != nil {
			remoteErr = handlerErr.Error()
			result = nil
		}

		if err := enc.Encode([]any{responseType, req.msgID, remoteErr, result}); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req request) (any, error) {
	var handler, ok = s.handlers[req.method]
	if !ok {
		return nil, fmt.Errorf("unknown method %q", req.method)
	}
	return handler(req.params)
}

func readRequest(dec *msgpack.Decoder) (request, error) {
	var req request

	var n, err = dec.DecodeArrayLen()
	if err != nil {
		return req, err
	}

	if req.kind, err = dec.DecodeInt(); err != nil {
		return req, err
	}

	switch {
	case req.kind == requestType && n == 4:
		if req.msgID, err = dec.DecodeUint32(); err != nil {
			return req, err
		}
	case req.kind == notificationType && n == 3:
	default:
		return req, fmt.Errorf("%w: message type %d with %d elements", ErrMalformedRequest, req.kind, n)
	}

	if req.method, err = dec.DecodeString(); err != nil {
		return req, err
	}

	count, err := dec.DecodeArrayLen()
	if err != nil {
		return req, err
	}
	for range max(count, 0) {
		var raw, err = dec.DecodeRaw()
		if err != nil {
			return req, err
		}
		req.params = append(req.params, raw)
	}

	return req, nil
}

// DecodeParam decodes params[i] into v.
func DecodeParam(params []msgpack.RawMessage, i int, v any) error {
	if i >= len(params) {
		return errors.New("missing argument")
	}
	return msgpack.Unmarshal(params[i], v)
}
