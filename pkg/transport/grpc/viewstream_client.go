package grpc

import (
    "context"
    "time"

    "google.golang.org/grpc"
)

// SubscribeViews establishes a long-lived server-stream to the leader's
// viewstream service and invokes onView for every installed view it
// pushes. It blocks until the stream ends or ctx is done; callers
// reconnect with their own backoff loop.
func (c *Client) SubscribeViews(ctx context.Context, addr string, nodeID string, onView func(data []byte, seq uint64)) error {
    if c.cm == nil {
        c.cm = NewConnManager(30*time.Second, c.dialCtx)
    }
    cc, rel, err := c.cm.Get(ctx, addr)
    if err != nil {
        return err
    }
    defer rel()

    sd := &grpc.StreamDesc{ServerStreams: true}
    cs, err := cc.NewStream(ctx, sd, "/rapid.v1.Viewstream/Subscribe")
    if err != nil {
        return err
    }
    if err := cs.SendMsg(&viewSubReq{NodeID: nodeID}); err != nil {
        return err
    }
    _ = cs.CloseSend()

    for {
        var m viewMsg
        if err := cs.RecvMsg(&m); err != nil {
            return err
        }
        if onView != nil {
            onView(m.Data, m.Seq)
        }
        _ = cc.Invoke(ctx, "/rapid.v1.Viewstream/Ack", &viewAck{Seq: m.Seq, NodeID: nodeID}, &empty{})
    }
}
