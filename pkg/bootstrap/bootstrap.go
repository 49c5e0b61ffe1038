// Package bootstrap assembles a pkg/node.Node from a flat configuration
// surface, the way applications and pkg/cli do, without each needing to
// know how the monitor, consensus engine, discovery backend and RPC
// transport fit together.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	cns "github.com/amirimatin/rapid-core/pkg/consensus"
	consraft "github.com/amirimatin/rapid-core/pkg/consensus/raft"
	"github.com/amirimatin/rapid-core/pkg/discovery"
	dDNS "github.com/amirimatin/rapid-core/pkg/discovery/dns"
	dEtcd "github.com/amirimatin/rapid-core/pkg/discovery/etcd"
	dFile "github.com/amirimatin/rapid-core/pkg/discovery/file"
	dStatic "github.com/amirimatin/rapid-core/pkg/discovery/static"
	"github.com/amirimatin/rapid-core/pkg/monitor"
	"github.com/amirimatin/rapid-core/pkg/node"
	tlsx "github.com/amirimatin/rapid-core/pkg/security/tlsconfig"
	"github.com/amirimatin/rapid-core/pkg/transport"
	mgmtgrpc "github.com/amirimatin/rapid-core/pkg/transport/grpc"
	httpjson "github.com/amirimatin/rapid-core/pkg/transport/httpjson"
	"github.com/amirimatin/rapid-core/pkg/watermark"
)

// Config defines high-level inputs to assemble a view-change aggregation
// node with sensible defaults. Applications embed the core by providing
// this structure and calling Build/Run.
type Config struct {
	// Identity and addresses
	NodeID  string
	SelfAddr string // host:port this node is reachable at; also the raft address

	// Edge monitor (memberlist) bind/advertise
	MonBind string
	MonAdv  string

	// Management/membership RPC endpoint
	MgmtAddr  string // host:port for the Membership/Viewstream service
	MgmtProto string // "grpc" (default) or "http"

	// Watermark thresholds; all three zero selects pkg/node's defaults.
	K, H, L int

	// Discovery settings
	DiscoveryKind string // "static" (default), "dns", "file", or "etcd"
	SeedsCSV      string
	DNSNamesCSV   string
	DNSPort       int
	DiscRefresh   time.Duration
	FilePath      string
	FileEnv       string
	EtcdEndpointsCSV string

	// Persistence and bootstrap
	DataDir   string // empty → in-memory raft store
	Bootstrap bool   // single-node raft bootstrap

	// TLS (optional) for the management transport
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	Logger *log.Logger

	OnLeaderChange  func(info cns.LeaderInfo)
	OnElectionStart func()
	OnElectionEnd   func(info cns.LeaderInfo)
}

// Build assembles a node.Node from Config without starting it.
func Build(cfg Config) (*node.Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	self, err := parseEndpoint(cfg.SelfAddr)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: SelfAddr: %w", err)
	}

	var disc discovery.Discovery
	switch cfg.DiscoveryKind {
	case "dns":
		names := dStatic.Parse(cfg.DNSNamesCSV)
		opts := dDNS.Options{Names: names, Port: cfg.DNSPort}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		disc = dDNS.New(opts)
	case "file":
		opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		disc = dFile.New(opts)
	case "etcd":
		endpoints := dStatic.Parse(cfg.EtcdEndpointsCSV)
		d, err := dEtcd.New(context.Background(), dEtcd.Options{
			Endpoints: endpoints,
			NodeID:    cfg.NodeID,
			Addr:      cfg.MgmtAddr,
			Refresh:   cfg.DiscRefresh,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		disc = d
	default:
		disc = dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
	}

	cons, err := consraft.New(consraft.Options{NodeID: cfg.NodeID, BindAddr: cfg.SelfAddr, DataDir: cfg.DataDir, Bootstrap: cfg.Bootstrap})
	if err != nil {
		return nil, err
	}

	memMeta := map[string]string{}
	if cfg.MgmtAddr != "" {
		memMeta["mgmt"] = cfg.MgmtAddr
	}
	mon, err := monitor.New(monitor.Options{
		NodeID: cfg.NodeID, Self: self, Bind: cfg.MonBind, Advertise: cfg.MonAdv,
		Meta: memMeta, Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	var srv transport.RPCServer
	var cli transport.RPCClient
	var srvTLS, cliTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
		if s, err := topts.ServerHotReload(); err == nil {
			srvTLS = s
		} else {
			return nil, err
		}
		if c, err := topts.ClientHotReload(); err == nil {
			cliTLS = c
		} else {
			return nil, err
		}
	}
	switch cfg.MgmtProto {
	case "http":
		s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		c := httpjson.NewClient(3 * time.Second)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		srv, cli = s, c
	default:
		s := mgmtgrpc.NewServer(cfg.MgmtAddr)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		c := mgmtgrpc.NewClient(3 * time.Second)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		srv, cli = s, c
	}

	opts := node.Options{
		NodeID:    cfg.NodeID,
		Self:      self,
		K:         cfg.K,
		H:         cfg.H,
		L:         cfg.L,
		Monitor:   mon,
		Consensus: cons,
		RPCServer: srv,
		RPCClient: cli,
		Bootstrap: cfg.Bootstrap,
		Logger:    cfg.Logger,
		Seeds:     disc.Seeds(),

		OnLeaderChange:  cfg.OnLeaderChange,
		OnElectionStart: cfg.OnElectionStart,
		OnElectionEnd:   cfg.OnElectionEnd,
	}
	return node.New(opts)
}

// Run builds and starts the node, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*node.Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
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
	if host == "" {
		host = "127.0.0.1"
	}
	return watermark.Endpoint{Host: host, Port: port}, nil
}
