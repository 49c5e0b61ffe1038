package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    ViewMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rapid",
        Name:      "view_members_total",
        Help:      "Current number of members in the last installed view",
    })

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rapid",
        Name:      "is_leader",
        Help:      "1 if this node currently drives consensus, else 0",
    })

    ViewChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rapid",
        Name:      "view_changes_total",
        Help:      "Total number of view changes installed",
    })

    LinkUpdatesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "rapid",
        Subsystem: "watermark",
        Name:      "link_updates_total",
        Help:      "Total link-update reports received by the watermark buffer",
    }, []string{"edge_status"})

    ProposalsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rapid",
        Subsystem: "watermark",
        Name:      "proposals_total",
        Help:      "Total proposals emitted by the watermark buffer",
    })

    ProposalSize = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "rapid",
        Subsystem: "watermark",
        Name:      "proposal_size",
        Help:      "Number of nodes carried by each emitted proposal",
        Buckets:   prometheus.LinearBuckets(1, 2, 10),
    })

    DispatchHeld = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rapid",
        Subsystem: "dispatch",
        Name:      "latch_held",
        Help:      "1 while the deferred-dispatch latch is still held, 0 once unblocked",
    })

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "rapid",
        Name:      "join_requests_total",
        Help:      "Total join requests handled by this node, by phase and result",
    }, []string{"phase", "result"})

    ProbeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "rapid",
        Name:      "probe_requests_total",
        Help:      "Total liveness probes handled by this node, by reported status",
    }, []string{"status"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rapid",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rapid",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rapid",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rapid",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })

    // Viewstream metrics: the leader-side push of installed views to
    // followers, repurposed from a generic replication stream.
    ViewstreamPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rapid",
        Subsystem: "viewstream",
        Name:      "published_total",
        Help:      "Total number of installed views published by the leader",
    })
    ViewstreamBroadcastTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rapid",
        Subsystem: "viewstream",
        Name:      "broadcast_total",
        Help:      "Total number of view messages broadcast to subscribers",
    })
    ViewstreamAckTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "rapid",
        Subsystem: "viewstream",
        Name:      "acks_total",
        Help:      "Total number of view acknowledgements received per node",
    }, []string{"node"})
    ViewstreamAckSeqPerNode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "rapid",
        Subsystem: "viewstream",
        Name:      "ack_seq_per_node",
        Help:      "Last acknowledged view sequence per node",
    }, []string{"node"})
    ViewstreamLagPerNode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "rapid",
        Subsystem: "viewstream",
        Name:      "lag_per_node",
        Help:      "View sequence lag (seq - node_ack_seq) per node",
    }, []string{"node"})
    ViewstreamSeq = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rapid",
        Subsystem: "viewstream",
        Name:      "seq",
        Help:      "Current published view sequence (leader side)",
    })
    ViewstreamLag = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rapid",
        Subsystem: "viewstream",
        Name:      "lag",
        Help:      "View sequence lag (seq - min node ack) across subscribers",
    })
    ViewstreamSubs = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rapid",
        Subsystem: "viewstream",
        Name:      "subs",
        Help:      "Number of active viewstream subscribers",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ViewMembers)
        prometheus.MustRegister(IsLeader)
        prometheus.MustRegister(ViewChanges)
        prometheus.MustRegister(LinkUpdatesReceived)
        prometheus.MustRegister(ProposalsEmitted)
        prometheus.MustRegister(ProposalSize)
        prometheus.MustRegister(DispatchHeld)
        prometheus.MustRegister(JoinRequests)
        prometheus.MustRegister(ProbeRequests)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
        prometheus.MustRegister(ViewstreamPublishedTotal)
        prometheus.MustRegister(ViewstreamBroadcastTotal)
        prometheus.MustRegister(ViewstreamAckTotal)
        prometheus.MustRegister(ViewstreamAckSeqPerNode)
        prometheus.MustRegister(ViewstreamLagPerNode)
        prometheus.MustRegister(ViewstreamSeq)
        prometheus.MustRegister(ViewstreamLag)
        prometheus.MustRegister(ViewstreamSubs)
    })
}
