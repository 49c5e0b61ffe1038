package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync/atomic"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/rapid-core/pkg/core"
    "github.com/amirimatin/rapid-core/pkg/dispatch"
    obsmetrics "github.com/amirimatin/rapid-core/pkg/observability/metrics"
    "github.com/amirimatin/rapid-core/pkg/observability/tracing"
    "github.com/amirimatin/rapid-core/pkg/transport"
)

// Server implements transport.RPCServer over gRPC using a JSON codec. It
// accepts connections as soon as Start returns, but every protocol call
// is held at latch until SetMembershipService binds the handlers that
// actually answer them.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config

    latch       *dispatch.Latch
    handlersSet atomic.Bool
    handlers    transport.Handlers

    view viewstreamState
}

func NewServer(bind string) *Server {
    return &Server{bind: bind, latch: dispatch.NewLatch()}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type statusBlob struct {
    Data []byte `json:"data"`
}

// bootstrappingResponse is the fixed reply to a Probe that arrives before
// SetMembershipService has been called.
var bootstrappingResponse = &transport.ProbeResponse{Status: transport.NodeStatusBootstrapping}

// membershipServer defines the methods exposed over the wire; names match
// the hand-written grpc.ServiceDesc below.
type membershipServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    LinkUpdate(ctx context.Context, in *transport.BatchedLinkUpdateMessage) (*transport.Ack, error)
    Consensus(ctx context.Context, in *transport.ConsensusProposal) (*transport.Ack, error)
    Join(ctx context.Context, in *transport.JoinMessage) (*transport.JoinResponse, error)
    JoinPhaseTwo(ctx context.Context, in *transport.JoinMessage) (*transport.JoinResponse, error)
    Probe(ctx context.Context, in *transport.ProbeMessage) (*transport.ProbeResponse, error)
}

// membershipImpl holds every call at the latch before delegating to the
// bound Handlers. Start registers this type against membershipServer;
// it never touches s.handlers before the latch has released it.
type membershipImpl struct{ s *Server }

func (m *membershipImpl) await(ctx context.Context) error {
    if err := m.s.latch.Hold(ctx); err != nil {
        return err
    }
    return nil
}

func (m *membershipImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    if err := m.await(ctx); err != nil {
        return nil, err
    }
    b, err := m.s.handlers.Status(ctx)
    if err != nil {
        return nil, err
    }
    return &statusBlob{Data: b}, nil
}

func (m *membershipImpl) LinkUpdate(ctx context.Context, in *transport.BatchedLinkUpdateMessage) (*transport.Ack, error) {
    if in == nil {
        return nil, core.ErrNilMessage
    }
    _, end := tracing.StartSpan(ctx, "grpc.linkupdate")
    defer end()
    if err := m.await(ctx); err != nil {
        return nil, err
    }
    // Protocol pool handler: ack immediately, run the watermark/consensus
    // work on a detached goroutine rather than blocking the caller on it.
    msg := *in
    go m.s.handlers.LinkUpdate(context.Background(), msg)
    return &transport.Ack{}, nil
}

func (m *membershipImpl) Consensus(ctx context.Context, in *transport.ConsensusProposal) (*transport.Ack, error) {
    if in == nil {
        return nil, core.ErrNilMessage
    }
    _, end := tracing.StartSpan(ctx, "grpc.consensus")
    defer end()
    if err := m.await(ctx); err != nil {
        return nil, err
    }
    msg := *in
    go m.s.handlers.Consensus(context.Background(), msg)
    return &transport.Ack{}, nil
}

func (m *membershipImpl) Join(ctx context.Context, in *transport.JoinMessage) (*transport.JoinResponse, error) {
    if in == nil {
        in = &transport.JoinMessage{}
    }
    ctx, end := tracing.StartSpan(ctx, "grpc.join")
    defer end()
    if err := m.await(ctx); err != nil {
        return &transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
    }
    out, err := m.s.handlers.Join(ctx, *in)
    if err != nil {
        return &transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
    }
    return &out, nil
}

func (m *membershipImpl) JoinPhaseTwo(ctx context.Context, in *transport.JoinMessage) (*transport.JoinResponse, error) {
    if in == nil {
        in = &transport.JoinMessage{}
    }
    ctx, end := tracing.StartSpan(ctx, "grpc.join_phase_two")
    defer end()
    if err := m.await(ctx); err != nil {
        return &transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
    }
    out, err := m.s.handlers.JoinPhaseTwo(ctx, *in)
    if err != nil {
        return &transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
    }
    return &out, nil
}

func (m *membershipImpl) Probe(ctx context.Context, in *transport.ProbeMessage) (*transport.ProbeResponse, error) {
    if in == nil {
        in = &transport.ProbeMessage{}
    }
    // Probe is answered even before a membership service is bound: a
    // probe arriving during bootstrap is valid protocol behavior, not an
    // error, and reports BOOTSTRAPPING rather than waiting on the latch.
    if !m.s.latch.Unblocked() {
        obsmetrics.ProbeRequests.WithLabelValues(string(transport.NodeStatusBootstrapping)).Inc()
        return bootstrappingResponse, nil
    }
    out, err := m.s.handlers.Probe(ctx, *in)
    if err != nil {
        return nil, err
    }
    obsmetrics.ProbeRequests.WithLabelValues(string(out.Status)).Inc()
    return &out, nil
}

var _Membership_serviceDesc = grpc.ServiceDesc{
    ServiceName: "rapid.v1.Membership",
    HandlerType: (*membershipServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Membership_GetStatus_Handler},
        {MethodName: "LinkUpdate", Handler: _Membership_LinkUpdate_Handler},
        {MethodName: "Consensus", Handler: _Membership_Consensus_Handler},
        {MethodName: "Join", Handler: _Membership_Join_Handler},
        {MethodName: "JoinPhaseTwo", Handler: _Membership_JoinPhaseTwo_Handler},
        {MethodName: "Probe", Handler: _Membership_Probe_Handler},
    },
}

func _Membership_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(membershipServer).GetStatus(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rapid.v1.Membership/GetStatus"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(membershipServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Membership_LinkUpdate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.BatchedLinkUpdateMessage)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(membershipServer).LinkUpdate(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rapid.v1.Membership/LinkUpdate"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(membershipServer).LinkUpdate(ctx, req.(*transport.BatchedLinkUpdateMessage))
    }
    return interceptor(ctx, in, info, handler)
}

func _Membership_Consensus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.ConsensusProposal)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(membershipServer).Consensus(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rapid.v1.Membership/Consensus"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(membershipServer).Consensus(ctx, req.(*transport.ConsensusProposal))
    }
    return interceptor(ctx, in, info, handler)
}

func _Membership_Join_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.JoinMessage)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(membershipServer).Join(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rapid.v1.Membership/Join"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(membershipServer).Join(ctx, req.(*transport.JoinMessage))
    }
    return interceptor(ctx, in, info, handler)
}

func _Membership_JoinPhaseTwo_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.JoinMessage)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(membershipServer).JoinPhaseTwo(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rapid.v1.Membership/JoinPhaseTwo"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(membershipServer).JoinPhaseTwo(ctx, req.(*transport.JoinMessage))
    }
    return interceptor(ctx, in, info, handler)
}

func _Membership_Probe_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.ProbeMessage)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(membershipServer).Probe(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rapid.v1.Membership/Probe"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(membershipServer).Probe(ctx, req.(*transport.ProbeMessage))
    }
    return interceptor(ctx, in, info, handler)
}

// Start binds the listener and starts serving immediately; protocol calls
// are held at the latch until SetMembershipService is called.
func (s *Server) Start(ctx context.Context) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil {
        return err
    }
    s.lis = lis

    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil {
        opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
    }
    srv := grpc.NewServer(opts...)
    s.srv = srv

    healthSrv := health.NewServer()
    healthpb.RegisterHealthServer(srv, healthSrv)

    srv.RegisterService(&_Membership_serviceDesc, &membershipImpl{s: s})

    s.view.init()
    srv.RegisterService(&_Viewstream_serviceDesc, &viewstreamImpl{server: s})

    go func() {
        <-ctx.Done()
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// SetMembershipService binds the handlers that answer protocol calls and
// releases every call held since Start. Calling it a second time is a
// fatal programmer error: it panics rather than returning an error.
func (s *Server) SetMembershipService(h Handlers) error {
    return s.setMembershipService(h)
}

func (s *Server) setMembershipService(h transport.Handlers) error {
    if s.handlersSet.Swap(true) {
        panic(core.ErrAlreadyBound)
    }
    s.handlers = h
    s.latch.Unblock()
    return nil
}

// Handlers is an alias kept local to avoid repeating the transport
// qualifier at every call site in this package.
type Handlers = transport.Handlers

func (s *Server) Addr() string { return s.bind }

func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil {
        return nil
    }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    if s.lis != nil {
        _ = s.lis.Close()
        s.lis = nil
    }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
