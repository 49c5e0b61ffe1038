package node

import (
	"testing"

	"github.com/amirimatin/rapid-core/pkg/monitor"
	"github.com/amirimatin/rapid-core/pkg/transport/grpc"
	"github.com/amirimatin/rapid-core/pkg/watermark"
)

func ep(host string, port int) watermark.Endpoint { return watermark.Endpoint{Host: host, Port: port} }

func TestProposalKey_OrderIndependent(t *testing.T) {
	p1 := watermark.Proposal{{Endpoint: ep("a", 1)}, {Endpoint: ep("b", 2)}}
	p2 := watermark.Proposal{{Endpoint: ep("b", 2)}, {Endpoint: ep("a", 1)}}
	if proposalKey(p1) != proposalKey(p2) {
		t.Fatalf("proposalKey should not depend on proposal order: %q vs %q", proposalKey(p1), proposalKey(p2))
	}
}

func TestProposalKey_DistinctForDifferentSets(t *testing.T) {
	p1 := watermark.Proposal{{Endpoint: ep("a", 1)}}
	p2 := watermark.Proposal{{Endpoint: ep("a", 2)}}
	if proposalKey(p1) == proposalKey(p2) {
		t.Fatalf("proposalKey collided for distinct endpoint sets")
	}
}

func TestEndpointsOf(t *testing.T) {
	p := watermark.Proposal{{Endpoint: ep("a", 1)}, {Endpoint: ep("b", 2)}}
	got := endpointsOf(p)
	want := []watermark.Endpoint{ep("a", 1), ep("b", 2)}
	if len(got) != len(want) {
		t.Fatalf("endpointsOf length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("endpointsOf[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestOptions_ValidateRejectsIncomplete(t *testing.T) {
	var o Options
	if err := o.Validate(); err == nil {
		t.Fatalf("expected error for empty Options")
	}
	o.NodeID = "n1"
	if err := o.Validate(); err == nil {
		t.Fatalf("expected error when Self is zero")
	}
	o.Self = ep("127.0.0.1", 9520)
	if err := o.Validate(); err == nil {
		t.Fatalf("expected error when Monitor is nil")
	}
}

func TestOptions_ValidateFillsDefaults(t *testing.T) {
	mon, err := monitor.New(monitor.Options{NodeID: "n1", Self: ep("127.0.0.1", 9520), Bind: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}
	o := Options{
		NodeID:    "n1",
		Self:      ep("127.0.0.1", 9520),
		Monitor:   mon,
		RPCServer: grpc.NewServer("127.0.0.1:0"),
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if o.K == 0 || o.H == 0 || o.L == 0 {
		t.Fatalf("expected default thresholds to be filled, got K=%d H=%d L=%d", o.K, o.H, o.L)
	}
	if o.ApplyTimeout <= 0 {
		t.Fatalf("expected default ApplyTimeout to be filled")
	}
	if o.Logger == nil {
		t.Fatalf("expected default Logger to be filled")
	}
}
