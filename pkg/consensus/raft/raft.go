package raftcons

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strconv"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    c "github.com/amirimatin/rapid-core/pkg/consensus"
    baseState "github.com/amirimatin/rapid-core/pkg/state"
    "github.com/amirimatin/rapid-core/pkg/state/viewstate"
    "github.com/amirimatin/rapid-core/pkg/watermark"
)

// Node implements consensus.Consensus using HashiCorp Raft, replicating
// view changes delivered by the watermark buffer into a state.ViewState.
type Node struct {
    opts  Options
    log   *log.Logger
    r     *raft.Raft
    lch   chan c.LeaderInfo
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    vs    baseState.ViewState
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("raftcons: empty NodeID")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    return &Node{opts: opts, log: opts.Logger, lch: make(chan c.LeaderInfo, 16)}, nil
}

func (n *Node) Start(ctx context.Context) error {
    if n.r != nil {
        return nil
    }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 {
                cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
            }
        }
    }
    if n.opts.ElectionTimeout > 0 {
        cfg.ElectionTimeout = n.opts.ElectionTimeout
    }
    if n.opts.CommitTimeout > 0 {
        cfg.CommitTimeout = n.opts.CommitTimeout
    }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        err    error
    )

    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 {
            n.opts.SnapshotsRetained = 2
        }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil {
            return err
        }
        bpath := filepath.Join(n.opts.DataDir, "raft.db")
        bstore, err := raftboltdb.NewBoltStore(bpath)
        if err != nil {
            return err
        }
        logs = bstore
        stable = bstore
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, os.Stderr)
        if err != nil {
            return err
        }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if n.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, 1*time.Second, os.Stderr)
        if err != nil {
            return err
        }
        trans = nt
        addr = nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    n.vs = viewstate.New()
    fsm := newViewFSM(n.vs)

    r, err := raft.NewRaft(cfg, fsm, logs, stable, snaps, trans)
    if err != nil {
        return err
    }
    n.r = r
    n.addr = addr
    n.trans = trans
    if lb, ok := n.trans.(raft.LoopbackTransport); ok {
        n.lb = lb
    }

    obsCh := make(chan raft.Observation, 32)
    observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    n.r.RegisterObserver(observer)
    go func() {
        for range obsCh {
            id, addr, ok := n.Leader()
            if ok {
                n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
            }
        }
    }()

    go func() {
        time.Sleep(50 * time.Millisecond)
        id, addr, ok := n.Leader()
        if ok {
            n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
        }
    }()

    if n.opts.Bootstrap {
        cfgs := raft.Configuration{Servers: []raft.Server{{
            ID:      cfg.LocalID,
            Address: addr,
        }}}
        if err := n.r.BootstrapCluster(cfgs).Error(); err != nil {
            return err
        }
    }

    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

func (n *Node) Apply(cmd c.Command, timeout time.Duration) error {
    if n.r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    if n.r.State() != raft.Leader {
        return fmt.Errorf("raftcons: not leader")
    }
    data, err := json.Marshal(cmd)
    if err != nil {
        return err
    }
    t := timeout
    if t <= 0 && n.opts.ApplyTimeout > 0 {
        t = n.opts.ApplyTimeout
    }
    af := n.r.Apply(data, t)
    if err := af.Error(); err != nil {
        return err
    }
    if v := af.Response(); v != nil {
        if e, ok := v.(error); ok && e != nil {
            return e
        }
    }
    return nil
}

// ApplyViewChange is a typed convenience wrapper over Apply for the one
// command this FSM understands.
func (n *Node) ApplyViewChange(nodes []watermark.Endpoint, timeout time.Duration) error {
    payload, err := json.Marshal(nodes)
    if err != nil {
        return err
    }
    return n.Apply(c.Command{Op: opViewChange, Payload: payload}, timeout)
}

func (n *Node) IsLeader() bool {
    if n.r == nil {
        return false
    }
    return n.r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    if n.r == nil {
        return "", "", false
    }
    a, sid := n.r.LeaderWithID()
    if sid == "" {
        return "", "", false
    }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    if n.r == nil {
        return 0
    }
    if v := n.r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil {
            return u
        }
    }
    return 0
}

func (n *Node) Stop() error {
    if n.r == nil {
        return nil
    }
    f := n.r.Shutdown()
    if err := f.Error(); err != nil {
        return err
    }
    n.r = nil
    return nil
}

var _ c.Consensus = (*Node)(nil)

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
    }
}

// CurrentView returns the locally applied view (for inspection/testing).
func (n *Node) CurrentView() baseState.View {
    if n.vs == nil {
        return baseState.View{}
    }
    return n.vs.CurrentView()
}

// AddVoter adds a voting server to the Raft cluster if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    if n.r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    cfg := n.r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) == id {
                if string(srv.Address) == addr {
                    return nil
                }
                rf := n.r.RemoveServer(srv.ID, 0, timeout)
                if err := rf.Error(); err != nil {
                    return err
                }
                break
            }
        }
    }
    f := n.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout)
    return f.Error()
}

// RemoveServer removes a server from the Raft cluster if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    if n.r == nil {
        return fmt.Errorf("raftcons: not started")
    }
    f := n.r.RemoveServer(raft.ServerID(id), 0, timeout)
    return f.Error()
}
