// Package node wires the watermark buffer, edge monitor, consensus engine
// and RPC server/client into a single embeddable runtime: the facade
// applications hold to run one member of the view-change aggregation
// core.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirimatin/rapid-core/pkg/consensus"
	"github.com/amirimatin/rapid-core/pkg/internal/logutil"
	obsmetrics "github.com/amirimatin/rapid-core/pkg/observability/metrics"
	"github.com/amirimatin/rapid-core/pkg/observability/tracing"
	basestate "github.com/amirimatin/rapid-core/pkg/state"
	"github.com/amirimatin/rapid-core/pkg/transport"
	"github.com/amirimatin/rapid-core/pkg/watermark"
)

// Node is the concrete runtime: it receives link-update reports (local,
// from its Monitor, and remote, over RPC), feeds them through a
// watermark.Buffer, and turns the resulting proposals into consensus
// decisions, replicated to every member via the configured Consensus
// engine.
type Node struct {
	opts Options
	mu   sync.RWMutex
	run  struct {
		started bool
		closed  bool
	}

	buf  *watermark.Buffer
	cons consensus.Consensus
	rpcS transport.RPCServer
	rpcC transport.RPCClient
	eb   eventBus

	dedup struct {
		mu   sync.Mutex
		seen map[string]time.Time
	}

	lastView basestate.View
}

// New constructs a Node from validated Options. It performs no network
// activity; call Start to launch it.
func New(opts Options) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		opts: opts,
		buf:  watermark.New(opts.K, opts.H, opts.L),
		cons: opts.Consensus,
		rpcS: opts.RPCServer,
		rpcC: opts.RPCClient,
	}
	n.dedup.seen = make(map[string]time.Time)
	return n, nil
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error { return n.Stop(context.Background()) }

// Start launches the edge monitor, consensus engine and RPC server, then
// begins the background loops that turn proposals into view changes.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.started {
		return nil
	}
	n.run.started = true

	obsmetrics.Register()

	if err := n.opts.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("node: start monitor: %w", err)
	}
	if len(n.opts.Seeds) > 0 {
		logutil.Infof(n.opts.Logger, "joining monitoring seeds: %v", n.opts.Seeds)
		if err := n.opts.Monitor.Join(n.opts.Seeds); err != nil {
			logutil.Warnf(n.opts.Logger, "join seeds failed: %v", err)
		}
	}

	if n.cons != nil {
		if err := n.cons.Start(ctx); err != nil {
			return fmt.Errorf("node: start consensus: %w", err)
		}
		if ln, ok := n.cons.(consensus.LeaderNotifier); ok {
			go n.leaderNotifyLoop(ctx, ln)
		}
		go n.viewWatchLoop(ctx)
		if n.opts.Bootstrap {
			go n.bootstrapSelfJoinLoop(ctx)
		}
	}

	if err := n.rpcS.Start(ctx); err != nil {
		return fmt.Errorf("node: start rpc server: %w", err)
	}
	if err := n.rpcS.SetMembershipService(n.handlers()); err != nil {
		return fmt.Errorf("node: bind membership service: %w", err)
	}
	logutil.Infof(n.opts.Logger, "membership endpoint listening at %s", n.rpcS.Addr())

	go n.localUpdatesLoop(ctx)
	if n.rpcC != nil {
		go n.subscribeViewsLoop(ctx)
	}
	return nil
}

// Stop gracefully shuts down the RPC server, consensus engine and edge
// monitor.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run.closed {
		return nil
	}
	n.run.closed = true
	if n.rpcS != nil {
		_ = n.rpcS.Stop(ctx)
	}
	if n.cons != nil {
		_ = n.cons.Stop()
	}
	if n.opts.Monitor != nil {
		_ = n.opts.Monitor.Leave()
		_ = n.opts.Monitor.Stop()
	}
	return nil
}

// LeaderCh exposes leadership-change notifications if the underlying
// consensus implementation supports it. Returns nil when unsupported.
func (n *Node) LeaderCh() <-chan consensus.LeaderInfo {
	if n.cons == nil {
		return nil
	}
	if ln, ok := n.cons.(consensus.LeaderNotifier); ok {
		return ln.LeaderCh()
	}
	return nil
}

// Status returns a snapshot of this node's view of the cluster.
func (n *Node) Status(ctx context.Context) (*Status, error) {
	s := &Status{NodeID: n.opts.NodeID}
	if n.cons != nil {
		s.Term = n.cons.Term()
		s.IsLeader = n.cons.IsLeader()
		if id, addr, ok := n.cons.Leader(); ok {
			s.LeaderID = id
			s.LeaderAddr = addr
		}
		s.View = n.cons.(interface{ CurrentView() basestate.View }).CurrentView()
	}
	if n.cons != nil && n.cons.IsLeader() {
		obsmetrics.IsLeader.Set(1)
	} else {
		obsmetrics.IsLeader.Set(0)
	}
	obsmetrics.ViewMembers.Set(float64(len(s.View.Members)))
	return s, nil
}

// Join asks seedAddr, which must be non-empty, to admit this node
// into the installed view, running both join phases.
func (n *Node) Join(ctx context.Context, seedAddr string) error {
	if n.rpcC == nil {
		return fmt.Errorf("node: no RPC client configured")
	}
	target := seedAddr
	if target == "" {
		return fmt.Errorf("node: seedAddr is required")
	}

	resp, err := n.rpcC.SendJoin(ctx, target, transport.JoinMessage{NodeID: n.opts.NodeID, Addr: n.opts.Self, Phase: 1})
	if err != nil {
		return err
	}
	if !resp.Accepted {
		if resp.Leader != "" {
			resp, err = n.rpcC.SendJoin(ctx, resp.Leader, transport.JoinMessage{NodeID: n.opts.NodeID, Addr: n.opts.Self, Phase: 1})
			if err != nil {
				return err
			}
			target = resp.Leader
		}
		if !resp.Accepted {
			if resp.Error != "" {
				return fmt.Errorf("node: join rejected: %s", resp.Error)
			}
			return fmt.Errorf("node: join rejected")
		}
	}

	resp2, err := n.rpcC.SendJoinPhaseTwo(ctx, target, transport.JoinMessage{NodeID: n.opts.NodeID, Addr: n.opts.Self, Phase: 2})
	if err != nil {
		return err
	}
	if !resp2.Accepted {
		if resp2.Error != "" {
			return fmt.Errorf("node: join phase two rejected: %s", resp2.Error)
		}
		return fmt.Errorf("node: join phase two rejected")
	}
	n.eb.publish(Event{Type: EventJoinAccepted, At: time.Now()})
	return nil
}

func (n *Node) handlers() transport.Handlers {
	return transport.Handlers{
		Status:       n.rpcStatus,
		LinkUpdate:   n.handleLinkUpdate,
		Consensus:    n.handleConsensusProposal,
		Join:         n.handleJoin,
		JoinPhaseTwo: n.handleJoinPhaseTwo,
		Probe:        n.handleProbe,
	}
}

func (n *Node) rpcStatus(ctx context.Context) ([]byte, error) {
	st, err := n.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

func (n *Node) handleProbe(ctx context.Context, _ transport.ProbeMessage) (transport.ProbeResponse, error) {
	return transport.ProbeResponse{Status: transport.NodeStatusOK}, nil
}

// handleLinkUpdate feeds every report in a remote batch through the local
// watermark buffer, turning threshold-crossing proposals into a
// consensus decision (directly, if this node is the leader; relayed to
// the leader otherwise).
func (n *Node) handleLinkUpdate(ctx context.Context, msg transport.BatchedLinkUpdateMessage) {
	for _, u := range msg.Updates {
		n.receive(ctx, u)
	}
}

// localUpdatesLoop drains the edge monitor's own observations: each is
// fed into the local buffer and fanned out to every other known member
// so their buffers accumulate the same report from this distinct
// reporter, the condition the stability threshold relies on.
func (n *Node) localUpdatesLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-n.opts.Monitor.Updates():
			if !ok {
				return
			}
			n.receive(ctx, msg)
			n.fanOut(ctx, msg)
		}
	}
}

func (n *Node) fanOut(ctx context.Context, msg watermark.LinkUpdateMessage) {
	if n.rpcC == nil {
		return
	}
	for _, m := range n.opts.Monitor.Members() {
		if m.ID == n.opts.NodeID {
			continue
		}
		addr := m.Addr
		if m.Meta != nil {
			if mgmt := m.Meta["mgmt"]; mgmt != "" {
				addr = mgmt
			}
		}
		go func(a string) {
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			_ = n.rpcC.SendLinkUpdate(cctx, a, transport.BatchedLinkUpdateMessage{Updates: []watermark.LinkUpdateMessage{msg}})
		}(addr)
	}
}

func (n *Node) receive(ctx context.Context, msg watermark.LinkUpdateMessage) {
	proposal, err := n.buf.Receive(msg)
	if err != nil {
		logutil.Warnf(n.opts.Logger, "watermark: dropping invalid report: %v", err)
		obsmetrics.LinkUpdatesReceived.WithLabelValues("invalid").Inc()
		return
	}
	obsmetrics.LinkUpdatesReceived.WithLabelValues("accepted").Inc()
	if proposal.Empty() {
		return
	}
	obsmetrics.ProposalsEmitted.Inc()
	obsmetrics.ProposalSize.Observe(float64(len(proposal)))
	n.onProposal(ctx, proposal)
}

func (n *Node) onProposal(ctx context.Context, proposal watermark.Proposal) {
	round := uint64(n.buf.NumProposals())
	if n.cons != nil && n.cons.IsLeader() {
		n.applyProposal(proposal)
		return
	}
	if n.rpcC == nil || n.cons == nil {
		return
	}
	id, addr, ok := n.cons.Leader()
	if !ok {
		logutil.Warnf(n.opts.Logger, "proposal dropped: no leader known")
		return
	}
	_ = id
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := n.rpcC.SendConsensusProposal(cctx, addr, transport.ConsensusProposal{Sender: n.opts.Self, Proposal: proposal, Round: round}); err != nil {
		logutil.Warnf(n.opts.Logger, "send proposal to leader %s: %v", addr, err)
	}
}

func (n *Node) handleConsensusProposal(ctx context.Context, msg transport.ConsensusProposal) {
	if n.cons == nil || !n.cons.IsLeader() {
		return
	}
	n.applyProposal(msg.Proposal)
}

// applyProposal dedupes identical, recently-seen proposals (multiple
// observers independently crossing the stability threshold for the same
// endpoint set will each emit one) before committing a single toggle
// through consensus.
func (n *Node) applyProposal(proposal watermark.Proposal) {
	key := proposalKey(proposal)
	n.dedup.mu.Lock()
	now := time.Now()
	for k, at := range n.dedup.seen {
		if now.Sub(at) > 5*time.Second {
			delete(n.dedup.seen, k)
		}
	}
	if at, seen := n.dedup.seen[key]; seen && now.Sub(at) < 5*time.Second {
		n.dedup.mu.Unlock()
		return
	}
	n.dedup.seen[key] = now
	n.dedup.mu.Unlock()

	nodes := endpointsOf(proposal)
	applier, ok := n.cons.(interface {
		ApplyViewChange(nodes []watermark.Endpoint, timeout time.Duration) error
	})
	if !ok {
		logutil.Warnf(n.opts.Logger, "consensus engine does not support ApplyViewChange")
		return
	}
	if err := applier.ApplyViewChange(nodes, n.opts.ApplyTimeout); err != nil {
		logutil.Warnf(n.opts.Logger, "apply view change: %v", err)
		return
	}
	obsmetrics.ViewChanges.Inc()
	n.publishView(n.cons.(interface{ CurrentView() basestate.View }).CurrentView())
}

func (n *Node) publishView(view basestate.View) {
	if pub, ok := n.rpcS.(interface{ PublishView(data []byte) int }); ok {
		if data, err := json.Marshal(view); err == nil {
			pub.PublishView(data)
		}
	}
}

func proposalKey(p watermark.Proposal) string {
	eps := endpointsOf(p)
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Host != eps[j].Host {
			return eps[i].Host < eps[j].Host
		}
		return eps[i].Port < eps[j].Port
	})
	key := ""
	for _, e := range eps {
		key += e.String() + ";"
	}
	return key
}

func endpointsOf(p watermark.Proposal) []watermark.Endpoint {
	out := make([]watermark.Endpoint, len(p))
	for i, node := range p {
		out[i] = node.Endpoint
	}
	return out
}

// bootstrapSelfJoinLoop waits for this node to become leader of the
// single-node cluster it just bootstrapped and admits itself into the
// application-level view, the same path a remote join commits through.
// Raft's own Bootstrap flag only seeds the voter set; nothing else ever
// proposes the seed node's own endpoint for the view, so without this a
// freshly bootstrapped leader would never appear in its own membership.
// Checking current membership before applying makes this idempotent
// across restarts against a non-empty data directory, where the
// self-join may already be committed in the replicated log.
func (n *Node) bootstrapSelfJoinLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !n.cons.IsLeader() {
				continue
			}
			view := n.cons.(interface{ CurrentView() basestate.View }).CurrentView()
			for _, m := range view.Members {
				if m == n.opts.Self {
					return
				}
			}
			n.applyProposal(watermark.Proposal{{Endpoint: n.opts.Self}})
			return
		}
	}
}

// handleJoin is the leader-only join handshake's first phase: it adds the
// requester as a consensus voter (when supported) but does not yet
// install it into the view.
func (n *Node) handleJoin(ctx context.Context, msg transport.JoinMessage) (transport.JoinResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "node.handleJoin")
	defer end()
	if n.cons == nil || !n.cons.IsLeader() {
		var leaderAddr string
		if n.cons != nil {
			if _, addr, ok := n.cons.Leader(); ok {
				leaderAddr = addr
			}
		}
		obsmetrics.JoinRequests.WithLabelValues("phase1", "rejected").Inc()
		return transport.JoinResponse{Accepted: false, Leader: leaderAddr, Error: "not leader"}, nil
	}
	if rc, ok := n.cons.(consensus.Reconfigurer); ok {
		if err := rc.AddVoter(msg.NodeID, msg.Addr.String(), 3*time.Second); err != nil {
			obsmetrics.JoinRequests.WithLabelValues("phase1", "rejected").Inc()
			return transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
		}
	}
	view := n.cons.(interface{ CurrentView() basestate.View }).CurrentView()
	obsmetrics.JoinRequests.WithLabelValues("phase1", "accepted").Inc()
	logutil.Infof(n.opts.Logger, "join phase one accepted: id=%s addr=%s", msg.NodeID, msg.Addr)
	return transport.JoinResponse{Accepted: true, Members: view.Members}, nil
}

// handleJoinPhaseTwo commits the join: it toggles the requester into the
// installed view via the same consensus path a watermark proposal uses.
func (n *Node) handleJoinPhaseTwo(ctx context.Context, msg transport.JoinMessage) (transport.JoinResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "node.handleJoinPhaseTwo")
	defer end()
	if n.cons == nil || !n.cons.IsLeader() {
		obsmetrics.JoinRequests.WithLabelValues("phase2", "rejected").Inc()
		return transport.JoinResponse{Accepted: false, Error: "not leader"}, nil
	}
	view := n.cons.(interface{ CurrentView() basestate.View }).CurrentView()
	for _, m := range view.Members {
		if m == msg.Addr {
			obsmetrics.JoinRequests.WithLabelValues("phase2", "rejected").Inc()
			return transport.JoinResponse{Accepted: false, Error: ErrAlreadyMember.Error()}, nil
		}
	}
	n.applyProposal(watermark.Proposal{{Endpoint: msg.Addr}})
	obsmetrics.JoinRequests.WithLabelValues("phase2", "accepted").Inc()
	logutil.Infof(n.opts.Logger, "join phase two accepted: id=%s addr=%s", msg.NodeID, msg.Addr)
	return transport.JoinResponse{Accepted: true}, nil
}

func (n *Node) leaderNotifyLoop(ctx context.Context, ln consensus.LeaderNotifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case li, ok := <-ln.LeaderCh():
			if !ok {
				return
			}
			logutil.Infof(n.opts.Logger, "leader change observed: id=%s term=%d", li.ID, li.Term)
			liCopy := li
			n.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy, Term: li.Term})
			if n.opts.OnLeaderChange != nil {
				n.opts.OnLeaderChange(liCopy)
			}
			if n.opts.OnElectionEnd != nil {
				n.opts.OnElectionEnd(liCopy)
			}
		}
	}
}

// viewWatchLoop polls the locally applied view and publishes
// EventViewChanged whenever its sequence advances. Every node's consensus
// FSM applies committed entries independently, so this observes the same
// committed state on followers and the leader alike.
func (n *Node) viewWatchLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cv, ok := n.cons.(interface{ CurrentView() basestate.View })
			if !ok {
				continue
			}
			view := cv.CurrentView()
			n.mu.RLock()
			changed := view.Seq != n.lastView.Seq
			n.mu.RUnlock()
			if !changed {
				continue
			}
			n.mu.Lock()
			n.lastView = view
			n.mu.Unlock()
			obsmetrics.ViewMembers.Set(float64(len(view.Members)))
			v := view
			n.eb.publish(Event{Type: EventViewChanged, At: time.Now(), View: &v})
		}
	}
}

// subscribeViewsLoop follows the leader's viewstream (when the RPC
// client supports it) purely to emit EventViewChanged promptly; the
// locally applied view from viewWatchLoop remains the source of truth.
func (n *Node) subscribeViewsLoop(ctx context.Context) {
	sub, ok := n.rpcC.(interface {
		SubscribeViews(ctx context.Context, addr, nodeID string, onView func(data []byte, seq uint64)) error
	})
	if !ok {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		var leaderAddr string
		if n.cons != nil {
			if id, addr, ok := n.cons.Leader(); ok && id != n.opts.NodeID {
				leaderAddr = addr
			}
		}
		if leaderAddr == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		_ = sub.SubscribeViews(ctx, leaderAddr, n.opts.NodeID, func(data []byte, seq uint64) {
			var view basestate.View
			if err := json.Unmarshal(data, &view); err != nil {
				return
			}
			v := view
			n.eb.publish(Event{Type: EventViewChanged, At: time.Now(), View: &v})
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}
