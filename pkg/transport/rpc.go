// Package transport defines the RPC schema and server/client contracts for
// the view-change aggregation core's inbound protocol. Wire encoding is
// left to concrete transports (see transport/grpc, transport/httpjson);
// this package only fixes the typed request/response shapes the Server
// Adapter (C3) and Deferred Dispatcher (C2) are built around.
package transport

import (
	"context"

	"github.com/amirimatin/rapid-core/pkg/watermark"
)

// NodeStatus is carried in a ProbeResponse.
type NodeStatus string

const (
	// NodeStatusOK indicates the node has a bound membership service and
	// is participating normally.
	NodeStatusOK NodeStatus = "OK"
	// NodeStatusBootstrapping indicates the node has accepted the
	// transport connection but has not yet bound a membership service.
	NodeStatusBootstrapping NodeStatus = "BOOTSTRAPPING"
)

// Ack is the empty response used by RPCs that only need to acknowledge
// receipt (link-update, consensus proposal).
type Ack struct{}

// BatchedLinkUpdateMessage carries one or more edge-health reports in a
// single RPC, as produced by a node's edge monitor.
type BatchedLinkUpdateMessage struct {
	Updates []watermark.LinkUpdateMessage `json:"updates"`
}

// ConsensusProposal carries a view-change proposal into the consensus
// phase (external to this core; see pkg/consensus).
type ConsensusProposal struct {
	Sender   watermark.Endpoint `json:"sender"`
	Proposal watermark.Proposal `json:"proposal"`
	Round    uint64             `json:"round"`
}

// JoinMessage is sent by a node attempting to join the cluster, in two
// phases (pre-join handshake, then commit).
type JoinMessage struct {
	NodeID string             `json:"nodeId"`
	Addr   watermark.Endpoint `json:"addr"`
	Phase  int                `json:"phase"`
}

// JoinResponse carries the outcome of a join attempt.
type JoinResponse struct {
	Accepted bool                 `json:"accepted"`
	Members  []watermark.Endpoint `json:"members,omitempty"`
	Leader   string               `json:"leader,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// ProbeMessage is sent by an external failure detector or peer monitor
// checking liveness.
type ProbeMessage struct {
	Sender watermark.Endpoint `json:"sender"`
}

// ProbeResponse reports this node's status.
type ProbeResponse struct {
	Status NodeStatus `json:"status"`
}

// StatusFunc returns a JSON-encoded status snapshot for the management
// /status endpoint. []byte return avoids an import cycle with pkg/node.
type StatusFunc func(ctx context.Context) ([]byte, error)

// LinkUpdateFunc handles a batch of link-update reports. It is invoked on
// the protocol executor; the RPC layer has already acknowledged the
// caller by the time it runs.
type LinkUpdateFunc func(ctx context.Context, msg BatchedLinkUpdateMessage)

// ConsensusFunc handles an incoming consensus proposal the same way.
type ConsensusFunc func(ctx context.Context, msg ConsensusProposal)

// JoinFunc handles a join attempt and produces a response once the
// protocol has decided.
type JoinFunc func(ctx context.Context, msg JoinMessage) (JoinResponse, error)

// ProbeFunc handles a liveness probe once a membership service is bound.
type ProbeFunc func(ctx context.Context, msg ProbeMessage) (ProbeResponse, error)

// Handlers bundles the callbacks a bound membership service exposes to
// the Server Adapter. All fields are required once bound: the concrete
// SetMembershipService implementations do not check for nil fields, and
// the transports call each field without a nil check.
type Handlers struct {
	Status       StatusFunc
	LinkUpdate   LinkUpdateFunc
	Consensus    ConsensusFunc
	Join         JoinFunc
	JoinPhaseTwo JoinFunc
	Probe        ProbeFunc
}

// RPCServer exposes the inbound membership/viewstream protocol endpoints,
// deferring dispatch until SetMembershipService is called (concrete
// implementations embed pkg/dispatch.Latch for this).
type RPCServer interface {
	// Start binds the listener but does not yet accept protocol work;
	// calls are held until SetMembershipService is invoked.
	Start(ctx context.Context) error
	// SetMembershipService binds the handlers and releases every call
	// held since Start. It may be called at most once; a second call is
	// a fatal programmer error and implementations panic rather than
	// return an error.
	SetMembershipService(h Handlers) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient performs outbound calls to peers using whichever transport a
// concrete implementation wraps (gRPC JSON codec, HTTP/JSON, ...).
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	SendLinkUpdate(ctx context.Context, addr string, msg BatchedLinkUpdateMessage) error
	SendConsensusProposal(ctx context.Context, addr string, msg ConsensusProposal) error
	SendJoin(ctx context.Context, addr string, msg JoinMessage) (JoinResponse, error)
	SendJoinPhaseTwo(ctx context.Context, addr string, msg JoinMessage) (JoinResponse, error)
	SendProbe(ctx context.Context, addr string, msg ProbeMessage) (ProbeResponse, error)
}
