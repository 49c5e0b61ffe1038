package node

import (
	"errors"

	"github.com/amirimatin/rapid-core/pkg/core"
)

// ErrNotLeader and ErrUnreachable are re-exported from pkg/core so that
// callers comparing errors with errors.Is see the same sentinel identity
// regardless of which package originated the check.
var (
	ErrNotLeader   = core.ErrNotLeader
	ErrUnreachable = core.ErrUnreachable

	// ErrAlreadyMember is returned by Join when the requesting endpoint is
	// already present in the installed view.
	ErrAlreadyMember = errors.New("node: already a member")
	// ErrNoLeader is returned when an operation requires a known leader
	// and none can currently be resolved.
	ErrNoLeader = errors.New("node: no leader known")
	// ErrNoConsensus is returned by operations that require a consensus
	// engine when none was configured.
	ErrNoConsensus = errors.New("node: no consensus engine configured")
)
