//go:build integration

package integration

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/amirimatin/rapid-core/pkg/bootstrap"
	httpjson "github.com/amirimatin/rapid-core/pkg/transport/httpjson"
	"github.com/amirimatin/rapid-core/pkg/transport"
	"github.com/amirimatin/rapid-core/pkg/watermark"
)

func TestThreeNodes_JoinAndAgreeOnView(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n1, err := bootstrap.Run(ctx, bootstrap.Config{
		NodeID:        "n1",
		SelfAddr:      "127.0.0.1:9521",
		MonBind:       "127.0.0.1:7946",
		MgmtAddr:      "127.0.0.1:17946",
		MgmtProto:     "http",
		DiscoveryKind: "static",
		Bootstrap:     true,
	})
	if err != nil {
		t.Fatalf("n1: %v", err)
	}
	defer n1.Close()

	n2, err := bootstrap.Run(ctx, bootstrap.Config{
		NodeID:        "n2",
		SelfAddr:      "127.0.0.1:9522",
		MonBind:       "127.0.0.1:8946",
		MgmtAddr:      "127.0.0.1:18946",
		MgmtProto:     "http",
		DiscoveryKind: "static",
		SeedsCSV:      "127.0.0.1:7946",
	})
	if err != nil {
		t.Fatalf("n2: %v", err)
	}
	defer n2.Close()

	n3, err := bootstrap.Run(ctx, bootstrap.Config{
		NodeID:        "n3",
		SelfAddr:      "127.0.0.1:9523",
		MonBind:       "127.0.0.1:9946",
		MgmtAddr:      "127.0.0.1:19946",
		MgmtProto:     "http",
		DiscoveryKind: "static",
		SeedsCSV:      "127.0.0.1:7946",
	})
	if err != nil {
		t.Fatalf("n3: %v", err)
	}
	defer n3.Close()

	cli := httpjson.NewClient(3 * time.Second)
	joinCtx, cancelJoin := context.WithTimeout(ctx, 5*time.Second)
	defer cancelJoin()

	for _, add := range []struct{ id, addr string }{{"n2", "127.0.0.1:9522"}, {"n3", "127.0.0.1:9523"}} {
		msg := transport.JoinMessage{NodeID: add.id, Addr: mustEndpoint(add.addr)}
		msg.Phase = 1
		if _, err := cli.SendJoin(joinCtx, "127.0.0.1:17946", msg); err != nil {
			t.Fatalf("join phase one %s: %v", add.id, err)
		}
		msg.Phase = 2
		if _, err := cli.SendJoinPhaseTwo(joinCtx, "127.0.0.1:17946", msg); err != nil {
			t.Fatalf("join phase two %s: %v", add.id, err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		s, err := n1.Status(ctx)
		if err == nil && s.IsLeader && len(s.View.Members) == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("view did not converge to 3 members: %+v, err=%v", s, err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func mustEndpoint(addr string) watermark.Endpoint {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return watermark.Endpoint{Host: host, Port: port}
}
