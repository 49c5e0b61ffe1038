package node

import (
	"errors"
	"log"
	"time"

	"github.com/amirimatin/rapid-core/pkg/consensus"
	"github.com/amirimatin/rapid-core/pkg/monitor"
	"github.com/amirimatin/rapid-core/pkg/transport"
	"github.com/amirimatin/rapid-core/pkg/watermark"
)

// Options configures a Node. Applications assemble one via pkg/bootstrap
// rather than populating this struct by hand in most cases.
type Options struct {
	NodeID string
	Self   watermark.Endpoint

	// Watermark buffer thresholds: fan-in bound K, stability threshold H,
	// suspicion threshold L. The defaults below apply only when all three
	// are zero; otherwise the values are used as given.
	K, H, L int

	Monitor    *monitor.Monitor
	Consensus  consensus.Consensus
	RPCServer  transport.RPCServer
	RPCClient  transport.RPCClient

	// Bootstrap marks this node as the single-node seed of a fresh
	// cluster. It only affects application-level view membership: the
	// consensus engine's own voter-set bootstrapping (e.g. Raft's
	// BootstrapCluster) is an option of the consensus engine itself and
	// does not read this field.
	Bootstrap bool

	Logger *log.Logger

	// ApplyTimeout bounds each consensus.Apply call made while processing
	// proposals and join commits. Defaults to 2s.
	ApplyTimeout time.Duration

	// Seeds, when non-empty, are passed to Monitor.Join during Start.
	Seeds []string

	OnLeaderChange  func(info consensus.LeaderInfo)
	OnElectionStart func()
	OnElectionEnd   func(info consensus.LeaderInfo)
}

const (
	defaultK = 10
	defaultH = 8
	defaultL = 3
)

// Validate fills in defaults and rejects incomplete configuration.
func (o *Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("node: NodeID is required")
	}
	if o.Self.Zero() {
		return errors.New("node: Self endpoint is required")
	}
	if o.Monitor == nil {
		return errors.New("node: Monitor is required")
	}
	if o.RPCServer == nil {
		return errors.New("node: RPCServer is required")
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.K == 0 && o.H == 0 && o.L == 0 {
		o.K, o.H, o.L = defaultK, defaultH, defaultL
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = 2 * time.Second
	}
	return nil
}
