package chordcheck

import (
	"errors"
	"fmt"
)

var (
	// ErrStartupTimeout is returned when a node never answered its liveness probe.
	ErrStartupTimeout = errors.New("node did not become reachable within the startup grace period")

	// ErrRemoteCall matches every failed call: transport error, timeout or bad response.
	ErrRemoteCall = errors.New("remote call failed")

	// ErrProcessTermination is returned when a stopped node's process is still
	// present or something still listens on its address.
	ErrProcessTermination = errors.New("node process did not terminate")

	// ErrDisagreement describes nodes that returned different successors for one key.
	ErrDisagreement = errors.New("nodes disagree on successor")

	// ErrSampleFailure marks a complexity trial excluded from the aggregates.
	ErrSampleFailure = errors.New("complexity sample failed")

	// ErrNoNodes is returned when no node could be started at all.
	ErrNoNodes = errors.New("no node could be started")

	// ErrAddressInUse is returned when starting a node on an address that is
	// already tracked or already bound by another process.
	ErrAddressInUse = errors.New("address already has a tracked node")
)

// RemoteCallError attributes a failed call to the node and method it targeted.
type RemoteCallError struct {
	Addr   string
	Method string
	Err    error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Method, e.Addr, e.Err)
}

func (e *RemoteCallError) Unwrap() []error {
	return []error{ErrRemoteCall, e.Err}
}
