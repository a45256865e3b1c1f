// Package coordinator implements the Channel Coordinator from spec.md §4.3:
// it wires a graph.Builder to a transport.Transport, fans inbound frames out
// to subscribers, and correlates outbound actions with their responses.
package coordinator

import (
	"encoding/json"
	"time"

	"github.com/rakunlabs/rxsync/internal/graph"
)

// StateListener is notified once per batch with the current anchor view
// (a *graph.Instance in single-anchor mode, []*graph.Instance in multi).
type StateListener func(state any)

// InstanceListener is notified once per batch when the instance at key was
// touched by that batch (created, updated, or deleted). in is nil when the
// batch deleted the instance.
type InstanceListener func(in *graph.Instance)

// ConnectionStatusListener is notified on every connect/disconnect
// transition: nil on connect, the disconnect timestamp on disconnect, per
// spec.md §6.
type ConnectionStatusListener func(disconnectedAt *time.Time)

// RuntimeVarListener is notified when a runtime variable changes.
type RuntimeVarListener func(name string, value json.RawMessage)

// RuntimeStateListener is notified with the full merged runtime-variable
// mapping whenever any runtime variable changes, per spec.md §4.3.
type RuntimeStateListener func(vars map[string]any)

// ErrorListener is notified of the errors surfaced via on_error: transport
// error events (AUTHENTICATION_ERROR, PROTOCOL_ERROR) and errors returned
// while applying an instance batch (ANCHOR_TYPE_MISMATCH and others).
// Errors of individual action calls are returned by CallAction only.
type ErrorListener func(err error)

// ErrorKind enumerates the coordinator-level error conditions from
// spec.md §7.
type ErrorKind string

const (
	// ErrRPCError is spec.md's RPC_ERROR: the response carried an error.
	ErrRPCError ErrorKind = "RPC_ERROR"
	// ErrTransportClosed is spec.md's TRANSPORT_CLOSED, surfaced to any
	// call still pending when the connection drops.
	ErrTransportClosed ErrorKind = "TRANSPORT_CLOSED"
	// ErrActionTimeout fires when ctx is cancelled before a response arrives.
	ErrActionTimeout ErrorKind = "ACTION_TIMEOUT"
	// ErrNotSubscribed fires when CallAction is used with no live transport.
	ErrNotSubscribed ErrorKind = "NOT_SUBSCRIBED"
	// ErrCoordinatorDown fires for calls still pending when Close runs.
	ErrCoordinatorDown ErrorKind = "COORDINATOR_CLOSED"
)

// Error is the typed error surfaced by CallAction.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Msg }

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}
