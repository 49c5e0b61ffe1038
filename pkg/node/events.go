package node

import (
	"context"
	"sync"
	"time"

	"github.com/amirimatin/rapid-core/pkg/consensus"
	"github.com/amirimatin/rapid-core/pkg/state"
)

// EventType identifies the kind of app-facing notification an Event
// carries.
type EventType string

const (
	EventViewChanged    EventType = "view_changed"
	EventLeaderChanged  EventType = "leader_changed"
	EventElectionStart  EventType = "election_start"
	EventElectionEnd    EventType = "election_end"
	EventJoinAccepted   EventType = "join_accepted"
)

// Event is a notification published on a Node's event bus. Only the
// fields relevant to Type are populated.
type Event struct {
	Type   EventType
	At     time.Time
	View   *state.View
	Leader *consensus.LeaderInfo
	Term   uint64
}

// eventBus is a thread-safe fan-out of Events to subscribers, dropping a
// notification for any subscriber whose channel is full rather than
// blocking the publisher.
type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *eventBus) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan Event]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Subscribe returns a channel of Events published by this Node until ctx
// is done, at which point the channel is closed.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
	return n.eb.subscribe(ctx)
}
