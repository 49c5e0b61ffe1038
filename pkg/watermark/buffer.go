// Package watermark implements the watermark buffer: a threshold filter
// that turns a stream of per-edge link-update reports into batched
// view-change proposals.
//
// A destination accumulates reports from distinct reporters. Once it has
// collected L distinct reporters it is considered "interesting"; once it
// has collected H distinct reporters it is "stable" and becomes a
// candidate for the next proposal. A proposal is only released once every
// destination that is currently interesting has also become stable,
// coalescing concurrent, overlapping observations into a single view
// change instead of one per destination.
package watermark

import (
	"fmt"
	"sync"
)

// kMin is the smallest permitted fan-in bound. Below this the
// almost-everywhere agreement the buffer relies on cannot hold.
const kMin = 3

// LinkUpdateMessage reports that Src has observed a status change on the
// edge to Dst. Only Src and Dst are consumed by the buffer.
type LinkUpdateMessage struct {
	Src Endpoint
	Dst Endpoint
}

// Node wraps a single destination endpoint destined to appear in a
// Proposal. Equality is by endpoint; the type exists so that future
// protocol versions have a place to hang additional per-node state
// without changing Proposal's element type.
type Node struct {
	Endpoint Endpoint
}

// Proposal is an ordered, read-only batch of Nodes that crossed the
// stability threshold together. Order reflects the order in which
// destinations crossed H during the batch; there is no secondary sort.
// A Proposal returned by Receive must not be mutated by the caller.
type Proposal []Node

// Empty reports whether the proposal carries no nodes.
func (p Proposal) Empty() bool { return len(p) == 0 }

// Buffer is the watermark buffer described above. The zero value is not
// usable; construct one with New.
type Buffer struct {
	k, h, l int

	mu                sync.Mutex
	reportsPerHost    map[Endpoint]map[Endpoint]struct{}
	proposal          []Node
	updatesInProgress int
	proposalCount     int
}

// New constructs a Buffer with the given fan-in bound K, high (stability)
// threshold H and low (suspicion) threshold L.
//
// K, H and L are a configuration surface set once by the owning
// membership service, not user input validated per-request: violating
// K >= H >= L >= 0 with K >= 3 is a programmer error and New panics
// rather than returning an error.
func New(k, h, l int) *Buffer {
	if h > k || l > h || l < 0 || k < kMin {
		panic(fmt.Sprintf("watermark: arguments do not satisfy K >= H >= L >= 0 and K >= %d: (K=%d, H=%d, L=%d)", kMin, k, h, l))
	}
	return &Buffer{
		k: k, h: h, l: l,
		reportsPerHost: make(map[Endpoint]map[Endpoint]struct{}),
	}
}

// NumProposals returns the number of proposals emitted so far. Safe for
// concurrent use.
func (b *Buffer) NumProposals() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proposalCount
}

// Receive records a link-update report and returns the proposal it
// triggers, if any. The common case returns an empty Proposal.
//
// Receive holds the buffer's exclusive region for its entire duration:
// concurrent calls are linearized, and the returned snapshot is safe to
// hand to other goroutines without copying.
func (b *Buffer) Receive(msg LinkUpdateMessage) (Proposal, error) {
	if msg.Src.Zero() || msg.Dst.Zero() {
		return nil, fmt.Errorf("watermark: invalid link-update message: %+v", msg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	reportsForHost, ok := b.reportsPerHost[msg.Dst]
	if !ok {
		reportsForHost = make(map[Endpoint]struct{})
		b.reportsPerHost[msg.Dst] = reportsForHost
	}
	reportsForHost[msg.Src] = struct{}{}
	n := len(reportsForHost)

	if n == b.l {
		b.updatesInProgress++
	}

	if n == b.h {
		// Enough reports about msg.Dst have arrived that it is safe to act
		// upon it, provided no other destination is still sitting in
		// [L, H).
		b.proposal = append(b.proposal, Node{Endpoint: msg.Dst})
		b.updatesInProgress--

		if b.updatesInProgress == 0 {
			// No outstanding updates: every destination that crossed H is
			// now part of a single proposal.
			b.proposalCount++
			for _, node := range b.proposal {
				reportsSet, ok := b.reportsPerHost[node.Endpoint]
				if !ok {
					panic(fmt.Sprintf("watermark: accounting invariant violated: node to be delivered not in reportsPerHost map: %v", node.Endpoint))
				}
				// Clear, don't delete: the map is allowed to grow
				// monotonically with the set of ever-seen destinations.
				for src := range reportsSet {
					delete(reportsSet, src)
				}
			}
			ret := make(Proposal, len(b.proposal))
			copy(ret, b.proposal)
			b.proposal = b.proposal[:0]
			return ret, nil
		}
	}

	return nil, nil
}
