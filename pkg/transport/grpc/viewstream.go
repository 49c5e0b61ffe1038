package grpc

import (
    "context"
    "sync"

    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/rapid-core/pkg/observability/metrics"
)

// viewstream pushes installed views from the consensus leader to
// followers over a long-lived server stream, so that a follower learns
// the new view without polling. It is a leader-side concern: a follower
// subscribes once after joining and keeps the stream open until it steps
// down or disconnects.

type viewMsg struct {
    Data []byte `json:"data"`
    Seq  uint64 `json:"seq"`
}
type viewSubReq struct {
    NodeID string `json:"nodeId,omitempty"`
}
type viewAck struct {
    Seq    uint64 `json:"seq"`
    NodeID string `json:"nodeId,omitempty"`
}

type viewSub struct {
    ss     grpc.ServerStream
    nodeID string
}

type viewstreamState struct {
    mu   sync.Mutex
    subs map[*viewSub]struct{}
    seq  uint64
    ack  map[string]uint64
}

func (v *viewstreamState) init() {
    v.subs = make(map[*viewSub]struct{})
    v.ack = make(map[string]uint64)
}

type viewstreamServer interface {
    Subscribe(*viewSubReq, Viewstream_SubscribeServer) error
    Ack(context.Context, *viewAck) (*empty, error)
}

type Viewstream_SubscribeServer interface {
    Send(*viewMsg) error
    grpc.ServerStream
}

type viewstreamImpl struct{ server *Server }

func (v *viewstreamImpl) Subscribe(req *viewSubReq, stream Viewstream_SubscribeServer) error {
    sub := &viewSub{ss: stream}
    if req != nil {
        sub.nodeID = req.NodeID
    }
    v.server.addViewSub(sub)
    defer v.server.removeViewSub(sub)
    <-stream.Context().Done()
    return nil
}

func (v *viewstreamImpl) Ack(ctx context.Context, a *viewAck) (*empty, error) {
    if a == nil || a.NodeID == "" {
        return &empty{}, nil
    }
    s := v.server
    s.view.mu.Lock()
    s.view.ack[a.NodeID] = a.Seq
    minAck := s.view.minAckLocked()
    seq := s.view.seq
    s.view.mu.Unlock()

    obsmetrics.ViewstreamAckTotal.WithLabelValues(a.NodeID).Inc()
    obsmetrics.ViewstreamAckSeqPerNode.WithLabelValues(a.NodeID).Set(float64(a.Seq))
    if seq >= a.Seq {
        obsmetrics.ViewstreamLagPerNode.WithLabelValues(a.NodeID).Set(float64(seq - a.Seq))
    }
    if seq >= minAck {
        obsmetrics.ViewstreamLag.Set(float64(seq - minAck))
    }
    return &empty{}, nil
}

func (s *Server) addViewSub(sub *viewSub) {
    s.view.mu.Lock()
    if s.view.subs == nil {
        s.view.subs = make(map[*viewSub]struct{})
    }
    s.view.subs[sub] = struct{}{}
    s.view.mu.Unlock()
    obsmetrics.ViewstreamSubs.Inc()
}

func (s *Server) removeViewSub(sub *viewSub) {
    s.view.mu.Lock()
    delete(s.view.subs, sub)
    s.view.mu.Unlock()
    obsmetrics.ViewstreamSubs.Dec()
}

// PublishView broadcasts a newly installed view (opaque, transport-encoded
// by the caller) to every subscribed follower and returns the number of
// subscribers it reached.
func (s *Server) PublishView(data []byte) int {
    s.view.mu.Lock()
    s.view.seq++
    seq := s.view.seq
    subs := make([]*viewSub, 0, len(s.view.subs))
    for sub := range s.view.subs {
        subs = append(subs, sub)
    }
    s.view.mu.Unlock()

    obsmetrics.ViewstreamPublishedTotal.Inc()
    obsmetrics.ViewstreamSeq.Set(float64(seq))

    msg := &viewMsg{Data: data, Seq: seq}
    cnt := 0
    var dead []*viewSub
    for _, sub := range subs {
        if err := sub.ss.SendMsg(msg); err == nil {
            cnt++
        } else {
            dead = append(dead, sub)
        }
    }
    if len(dead) > 0 {
        s.view.mu.Lock()
        for _, sub := range dead {
            delete(s.view.subs, sub)
        }
        s.view.mu.Unlock()
    }
    obsmetrics.ViewstreamBroadcastTotal.Add(float64(cnt))
    return cnt
}

// AckedSeqs returns a copy of the last acknowledged sequence per node.
func (s *Server) AckedSeqs() map[string]uint64 {
    s.view.mu.Lock()
    defer s.view.mu.Unlock()
    out := make(map[string]uint64, len(s.view.ack))
    for k, v := range s.view.ack {
        out[k] = v
    }
    return out
}

func (v *viewstreamState) minAckLocked() uint64 {
    var min uint64
    first := true
    for _, n := range v.ack {
        if first || n < min {
            min = n
            first = false
        }
    }
    if first {
        return 0
    }
    return min
}

var _Viewstream_serviceDesc = grpc.ServiceDesc{
    ServiceName: "rapid.v1.Viewstream",
    HandlerType: (*viewstreamServer)(nil),
    Streams: []grpc.StreamDesc{{
        StreamName:    "Subscribe",
        ServerStreams: true,
        Handler:       _Viewstream_Subscribe_Handler,
    }},
    Methods: []grpc.MethodDesc{{
        MethodName: "Ack",
        Handler:    _Viewstream_Ack_Handler,
    }},
}

func _Viewstream_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
    m := new(viewSubReq)
    if err := stream.RecvMsg(m); err != nil {
        return err
    }
    return srv.(viewstreamServer).Subscribe(m, &viewstreamSubscribeServer{stream})
}

type viewstreamSubscribeServer struct{ grpc.ServerStream }

func (x *viewstreamSubscribeServer) Send(m *viewMsg) error { return x.ServerStream.SendMsg(m) }

func _Viewstream_Ack_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(viewAck)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(viewstreamServer).Ack(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rapid.v1.Viewstream/Ack"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(viewstreamServer).Ack(ctx, req.(*viewAck))
    }
    return interceptor(ctx, in, info, handler)
}
