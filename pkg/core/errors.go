// Package core holds sentinel errors shared across the view-change
// aggregation packages, avoiding import cycles between transport, node and
// consensus.
package core

import "errors"

var (
	// ErrNotBound is returned by operations that require a membership
	// service to have been bound to the server adapter first.
	ErrNotBound = errors.New("rapid-core: membership service not bound")
	// ErrAlreadyBound is the panic value when SetMembershipService is
	// called twice; double-binding is a fatal programmer error, not a
	// recoverable one.
	ErrAlreadyBound = errors.New("rapid-core: membership service already bound")
	// ErrNilMessage indicates a handler received a nil/zero-value request
	// where a populated message was required.
	ErrNilMessage = errors.New("rapid-core: nil message")
	// ErrNotLeader is returned when a write-path operation is attempted
	// against a non-leader node.
	ErrNotLeader = errors.New("rapid-core: not leader")
	// ErrUnreachable indicates an RPC to a peer could not be completed.
	ErrUnreachable = errors.New("rapid-core: unreachable")
	// ErrShuttingDown is returned by operations invoked after Stop has
	// begun.
	ErrShuttingDown = errors.New("rapid-core: shutting down")
)
