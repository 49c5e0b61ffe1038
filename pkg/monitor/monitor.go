// Package monitor turns a SWIM gossip failure detector into the stream of
// edge-health reports the view-change aggregation core consumes. Each
// node runs one Monitor; memberlist's join, update and leave notifications
// about a peer become LinkUpdateMessages with this node as Src and the
// peer as Dst, the same shape a purpose-built failure detector would
// produce.
package monitor

import (
    "context"
    "fmt"
    "log"
    "net"
    "strconv"
    "time"

    base "github.com/amirimatin/rapid-core/pkg/membership"
    "github.com/amirimatin/rapid-core/pkg/membership/memberlist"
    "github.com/amirimatin/rapid-core/pkg/watermark"
)

// Options configures a Monitor.
type Options struct {
    NodeID    string
    Self      watermark.Endpoint
    Bind      string
    Advertise string
    Meta      map[string]string
    Logger    *log.Logger

    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

// Monitor wraps a gossip-based membership implementation and republishes
// its view of peer liveness as watermark.LinkUpdateMessage values.
type Monitor struct {
    base    base.Membership
    self    watermark.Endpoint
    logger  *log.Logger
    updates chan watermark.LinkUpdateMessage
}

// New constructs a Monitor bound to opts.Bind, not yet started.
func New(opts Options) (*Monitor, error) {
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    impl, err := memberlist.New(memberlist.Options{
        NodeID:        opts.NodeID,
        Bind:          opts.Bind,
        Advertise:     opts.Advertise,
        Meta:          opts.Meta,
        Logger:        opts.Logger,
        ProbeInterval: opts.ProbeInterval,
        ProbeTimeout:  opts.ProbeTimeout,
        SuspicionMult: opts.SuspicionMult,
    })
    if err != nil {
        return nil, fmt.Errorf("monitor: %w", err)
    }
    return &Monitor{
        base:    impl,
        self:    opts.Self,
        logger:  opts.Logger,
        updates: make(chan watermark.LinkUpdateMessage, 256),
    }, nil
}

// Start launches the underlying gossip layer and begins translating its
// events into the update channel. It returns once the gossip layer is
// listening; translation runs in the background until ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
    if err := m.base.Start(ctx); err != nil {
        return err
    }
    go m.translate()
    return nil
}

// Join contacts the given seed addresses to discover the rest of the
// cluster.
func (m *Monitor) Join(seeds []string) error { return m.base.Join(seeds) }

// Members returns the current known member set.
func (m *Monitor) Members() []base.MemberInfo { return m.base.Members() }

// Updates returns the channel of translated edge-health reports. Callers
// typically feed these straight into a watermark.Buffer and, for a
// non-local report, broadcast them to the fan-in set over the RPC client.
func (m *Monitor) Updates() <-chan watermark.LinkUpdateMessage { return m.updates }

// Leave announces departure to the rest of the cluster.
func (m *Monitor) Leave() error { return m.base.Leave() }

// Stop tears down the gossip layer and closes the update channel.
func (m *Monitor) Stop() error { return m.base.Stop() }

func (m *Monitor) translate() {
    for ev := range m.base.Events() {
        dst, err := parseEndpoint(ev.Member.Addr)
        if err != nil {
            m.logger.Printf("monitor: dropping event for unparsable address %q: %v", ev.Member.Addr, err)
            continue
        }
        switch ev.Type {
        case base.EventJoin, base.EventLeave, base.EventFailed:
            m.emit(watermark.LinkUpdateMessage{Src: m.self, Dst: dst})
        }
    }
    close(m.updates)
}

func (m *Monitor) emit(msg watermark.LinkUpdateMessage) {
    select {
    case m.updates <- msg:
    default:
        m.logger.Printf("monitor: dropping link-update %+v: channel full", msg)
    }
}

func parseEndpoint(addr string) (watermark.Endpoint, error) {
    host, portStr, err := net.SplitHostPort(addr)
    if err != nil {
        return watermark.Endpoint{}, err
    }
    port, err := strconv.Atoi(portStr)
    if err != nil {
        return watermark.Endpoint{}, err
    }
    return watermark.Endpoint{Host: host, Port: port}, nil
}
