package monitor

import (
    "context"
    "fmt"
    "net"
    "testing"
    "time"

    "github.com/amirimatin/rapid-core/pkg/watermark"
)

func freePort(t *testing.T) int {
    t.Helper()
    conn, err := net.ListenPacket("udp", "127.0.0.1:0")
    if err != nil {
        t.Fatalf("freePort: %v", err)
    }
    defer conn.Close()
    return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestMonitor_JoinProducesLinkUpdate(t *testing.T) {
    p1, p2 := freePort(t), freePort(t)
    selfA := watermark.Endpoint{Host: "127.0.0.1", Port: p1}
    a, err := New(Options{
        NodeID: "a",
        Self:   selfA,
        Bind:   fmt.Sprintf("127.0.0.1:%d", p1),
    })
    if err != nil {
        t.Fatalf("New a: %v", err)
    }
    b, err := New(Options{
        NodeID: "b",
        Self:   watermark.Endpoint{Host: "127.0.0.1", Port: p2},
        Bind:   fmt.Sprintf("127.0.0.1:%d", p2),
    })
    if err != nil {
        t.Fatalf("New b: %v", err)
    }

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    if err := a.Start(ctx); err != nil {
        t.Fatalf("a.Start: %v", err)
    }
    if err := b.Start(ctx); err != nil {
        t.Fatalf("b.Start: %v", err)
    }
    defer a.Stop()
    defer b.Stop()

    if err := b.Join([]string{fmt.Sprintf("127.0.0.1:%d", p1)}); err != nil {
        t.Fatalf("b.Join: %v", err)
    }

    select {
    case msg := <-a.Updates():
        if msg.Src != selfA {
            t.Fatalf("unexpected Src: %+v", msg.Src)
        }
    case <-time.After(5 * time.Second):
        t.Fatalf("timed out waiting for join-triggered link update")
    }
}
