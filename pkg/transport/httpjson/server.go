package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "sync/atomic"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/rapid-core/pkg/core"
    "github.com/amirimatin/rapid-core/pkg/dispatch"
    "github.com/amirimatin/rapid-core/pkg/observability/tracing"
    "github.com/amirimatin/rapid-core/pkg/transport"
)

// Server is an HTTP/JSON alternative to the gRPC Server Adapter, intended
// for environments where running a gRPC listener is inconvenient (e.g.
// behind plain HTTP load balancers). It follows the same deferred-dispatch
// contract: requests are held at latch until SetMembershipService binds
// the handlers that answer them.
type Server struct {
    bind   string
    srv    *http.Server
    logger *log.Logger
    tlsCfg *tls.Config

    latch    *dispatch.Latch
    bound    atomic.Bool
    handlers transport.Handlers
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil {
        logger = log.Default()
    }
    return &Server{bind: bind, logger: logger, latch: dispatch.NewLatch()}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// bootstrappingResponse is the fixed reply to a probe that arrives before
// SetMembershipService has been called.
var bootstrappingResponse = transport.ProbeResponse{Status: transport.NodeStatusBootstrapping}

func (s *Server) await(ctx context.Context) error { return s.latch.Hold(ctx) }

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

// Start launches the HTTP server; handlers are bound separately via
// SetMembershipService.
func (s *Server) Start(ctx context.Context) error {
    mux := http.NewServeMux()

    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet {
            http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        if err := s.await(ctx); err != nil {
            http.Error(w, err.Error(), http.StatusServiceUnavailable)
            return
        }
        data, err := s.handlers.Status(ctx)
        if err != nil {
            http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
            return
        }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })

    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })

    mux.Handle("/metrics", promhttp.Handler())

    mux.HandleFunc("/linkupdate", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost {
            http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
            return
        }
        var req transport.BatchedLinkUpdateMessage
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.linkupdate")
        defer end()
        if err := s.await(ctx); err != nil {
            http.Error(w, err.Error(), http.StatusServiceUnavailable)
            return
        }
        go s.handlers.LinkUpdate(context.Background(), req)
        writeJSON(w, http.StatusOK, transport.Ack{})
    })

    mux.HandleFunc("/consensus", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost {
            http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
            return
        }
        var req transport.ConsensusProposal
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.consensus")
        defer end()
        if err := s.await(ctx); err != nil {
            http.Error(w, err.Error(), http.StatusServiceUnavailable)
            return
        }
        go s.handlers.Consensus(context.Background(), req)
        writeJSON(w, http.StatusOK, transport.Ack{})
    })

    mux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost {
            http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
            return
        }
        var req transport.JoinMessage
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.join")
        defer end()
        if err := s.await(ctx); err != nil {
            writeJSON(w, http.StatusServiceUnavailable, transport.JoinResponse{Error: err.Error()})
            return
        }
        resp, err := s.handlers.Join(ctx, req)
        if err != nil {
            writeJSON(w, http.StatusInternalServerError, transport.JoinResponse{Error: err.Error()})
            return
        }
        writeJSON(w, http.StatusOK, resp)
    })

    mux.HandleFunc("/join2", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost {
            http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
            return
        }
        var req transport.JoinMessage
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.join_phase_two")
        defer end()
        if err := s.await(ctx); err != nil {
            writeJSON(w, http.StatusServiceUnavailable, transport.JoinResponse{Error: err.Error()})
            return
        }
        resp, err := s.handlers.JoinPhaseTwo(ctx, req)
        if err != nil {
            writeJSON(w, http.StatusInternalServerError, transport.JoinResponse{Error: err.Error()})
            return
        }
        writeJSON(w, http.StatusOK, resp)
    })

    mux.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost {
            http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
            return
        }
        var req transport.ProbeMessage
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        if !s.latch.Unblocked() {
            writeJSON(w, http.StatusOK, bootstrappingResponse)
            return
        }
        resp, err := s.handlers.Probe(r.Context(), req)
        if err != nil {
            http.Error(w, err.Error(), http.StatusInternalServerError)
            return
        }
        writeJSON(w, http.StatusOK, resp)
    })

    s.srv = &http.Server{Addr: s.bind, Handler: mux}

    ln, err := net.Listen("tcp", s.bind)
    if err != nil {
        return err
    }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            s.logger.Printf("httpjson: server error: %v", err)
        }
    }()
    return nil
}

// SetMembershipService binds handlers and releases every request held
// since Start. Calling it a second time is a fatal programmer error: it
// panics rather than returning an error.
func (s *Server) SetMembershipService(h transport.Handlers) error {
    if s.bound.Swap(true) {
        panic(core.ErrAlreadyBound)
    }
    s.handlers = h
    s.latch.Unblock()
    return nil
}

// Addr returns the configured bind address.
func (s *Server) Addr() string { return s.bind }

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil {
        return nil
    }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

var _ transport.RPCServer = (*Server)(nil)
