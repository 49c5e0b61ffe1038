package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/rapid-core/pkg/bootstrap"
	tracing "github.com/amirimatin/rapid-core/pkg/observability/tracing"
	tlsx "github.com/amirimatin/rapid-core/pkg/security/tlsconfig"
	"github.com/amirimatin/rapid-core/pkg/transport"
	mgmtgrpc "github.com/amirimatin/rapid-core/pkg/transport/grpc"
	httpjson "github.com/amirimatin/rapid-core/pkg/transport/httpjson"
	"github.com/amirimatin/rapid-core/pkg/watermark"
)

// AddAll attaches node subcommands (run/status/join) to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewJoinCmd())
}

// NewNodeCommand returns a parent command "node" containing run/status/join as subcommands.
func NewNodeCommand() *cobra.Command {
	parent := &cobra.Command{Use: "node", Short: "node management commands"}
	parent.AddCommand(NewRunCmd())
	parent.AddCommand(NewStatusCmd())
	parent.AddCommand(NewJoinCmd())
	return parent
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
	var (
		id, selfAddr, monBind, monAdv, joinCSV, mgmtAddr, mgmtProto, discoveryKind string
		dnsNames, filePath, fileEnv, etcdEndpoints                                string
		dnsPort, k, h, l                                                          int
		discRefresh                                                               time.Duration
		tlsEnable, tlsSkip, traceEnable, doBootstrap                              bool
		tlsCA, tlsCert, tlsKey, tlsServerName, dataDir                            string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a view-change aggregation node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("missing --id")
			}
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			cfg := bootstrap.Config{
				NodeID:           id,
				SelfAddr:         selfAddr,
				MonBind:          monBind,
				MonAdv:           monAdv,
				MgmtAddr:         mgmtAddr,
				MgmtProto:        mgmtProto,
				K:                k,
				H:                h,
				L:                l,
				DiscoveryKind:    discoveryKind,
				SeedsCSV:         joinCSV,
				DNSNamesCSV:      dnsNames,
				DNSPort:          dnsPort,
				DiscRefresh:      discRefresh,
				FilePath:         filePath,
				FileEnv:          fileEnv,
				EtcdEndpointsCSV: etcdEndpoints,
				DataDir:          dataDir,
				Bootstrap:        doBootstrap,
				TLSEnable:        tlsEnable,
				TLSCA:            tlsCA,
				TLSCert:          tlsCert,
				TLSKey:           tlsKey,
				TLSServerName:    tlsServerName,
				TLSSkipVerify:    tlsSkip,
				Logger:           log.Default(),
			}
			n, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer n.Close()

			fmt.Println("node running. Press Ctrl+C to exit.")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id (required)")
	cmd.Flags().StringVar(&selfAddr, "self-addr", ":9520", "this node's address (tcp), shared by raft and the membership endpoint's registration")
	cmd.Flags().StringVar(&monBind, "mon-bind", ":7946", "edge monitor bind addr (host:port)")
	cmd.Flags().StringVar(&monAdv, "mon-adv", "", "edge monitor advertise addr (host:port, optional)")
	cmd.Flags().StringVar(&joinCSV, "join", "", "comma-separated seed nodes (host:port) — used by discovery=static")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "membership RPC address (tcp), separate from the monitor port")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "grpc", "membership RPC protocol: grpc|http")
	cmd.Flags().IntVar(&k, "k", 0, "watermark fan-in bound K (k, h and l all 0 use the defaults)")
	cmd.Flags().IntVar(&h, "h", 0, "watermark stability threshold H (k, h and l all 0 use the defaults)")
	cmd.Flags().IntVar(&l, "l", 0, "watermark suspicion threshold L (k, h and l all 0 use the defaults)")
	cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "discovery backend: static|dns|file|etcd")
	cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _rapid._tcp.example.com)")
	cmd.Flags().IntVar(&dnsPort, "dns-port", 7946, "port used for A/AAAA lookups")
	cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
	cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
	cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
	cmd.Flags().StringVar(&etcdEndpoints, "etcd-endpoints", "", "comma-separated etcd endpoints — used by discovery=etcd")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for the membership transport")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&doBootstrap, "bootstrap", false, "bootstrap single-node raft (development)")
	cmd.Flags().StringVar(&dataDir, "data", "", "raft data dir (snapshots)")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr      string
		mgmtProto string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			client := newClient(mgmtProto, timeout, nil)
			data, err := client.GetStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			os.Stdout.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				os.Stdout.Write([]byte("\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "membership address of a node (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "grpc", "membership RPC protocol: grpc|http")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
	var (
		id, selfAddr, addr, mgmtProto         string
		timeout                                time.Duration
		tlsEnable, tlsSkip                     bool
		tlsCA, tlsCert, tlsKey, tlsServerName  string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Request to add this node to the installed view",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || selfAddr == "" {
				return fmt.Errorf("missing required flags: --id and --self-addr")
			}
			var cliTLS *tls.Config
			if tlsEnable {
				topts := tlsx.Options{Enable: true, CAFile: tlsCA, CertFile: tlsCert, KeyFile: tlsKey, InsecureSkipVerify: tlsSkip, ServerName: tlsServerName}
				var err error
				cliTLS, err = topts.Client()
				if err != nil {
					return fmt.Errorf("tls client config: %w", err)
				}
			}
			client := newClient(mgmtProto, timeout, cliTLS)
			self, err := parseEndpoint(selfAddr)
			if err != nil {
				return fmt.Errorf("self-addr: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.SendJoin(ctx, addr, transport.JoinMessage{NodeID: id, Addr: self, Phase: 1})
			if err != nil {
				return fmt.Errorf("join error: %w", err)
			}
			if resp.Accepted {
				resp, err = client.SendJoinPhaseTwo(ctx, addr, transport.JoinMessage{NodeID: id, Addr: self, Phase: 2})
				if err != nil {
					return fmt.Errorf("join phase two error: %w", err)
				}
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
	cmd.Flags().StringVar(&selfAddr, "self-addr", "", "this node's address (host:port, required)")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "membership address of a node (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "grpc", "membership RPC protocol: grpc|http")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for the membership transport")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to client certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to client private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
	return cmd
}

func newClient(mgmtProto string, timeout time.Duration, cliTLS *tls.Config) transport.RPCClient {
	switch mgmtProto {
	case "http":
		c := httpjson.NewClient(timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c
	default:
		c := mgmtgrpc.NewClient(timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c
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
	if host == "" {
		host = "127.0.0.1"
	}
	return watermark.Endpoint{Host: host, Port: port}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
