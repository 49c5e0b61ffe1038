package watermark

import (
	"testing"
)

func ep(name string) Endpoint { return Endpoint{Host: name, Port: 1} }

func nodes(names ...string) Proposal {
	p := make(Proposal, 0, len(names))
	for _, n := range names {
		p = append(p, Node{Endpoint: ep(n)})
	}
	return p
}

func sameOrder(t *testing.T, got Proposal, want Proposal) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("proposal length = %d, want %d (%+v vs %+v)", len(got), len(want), got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("proposal[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func mustReceive(t *testing.T, b *Buffer, src, dst string) Proposal {
	t.Helper()
	p, err := b.Receive(LinkUpdateMessage{Src: ep(src), Dst: ep(dst)})
	if err != nil {
		t.Fatalf("Receive(%s->%s): %v", src, dst, err)
	}
	return p
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cases := []struct {
		name    string
		k, h, l int
	}{
		{"K below minimum", 2, 2, 2},
		{"H greater than K", 4, 5, 0},
		{"L greater than H", 10, 3, 4},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("New(%d,%d,%d) did not panic", c.k, c.h, c.l)
				}
			}()
			New(c.k, c.h, c.l)
		})
	}
}

func TestNew_AcceptsBoundaryConfig(t *testing.T) {
	// K == H == L is legal: every destination collecting K reports emits
	// immediately.
	_ = New(3, 3, 3)
	_ = New(10, 3, 0)
}

// Scenario 1: a single destination crosses H with no other destination in
// flight. Emits immediately.
func TestScenario_SingleDestinationStabilizes(t *testing.T) {
	b := New(10, 3, 2)
	if p := mustReceive(t, b, "a", "x"); !p.Empty() {
		t.Fatalf("unexpected emission: %+v", p)
	}
	if p := mustReceive(t, b, "b", "x"); !p.Empty() {
		t.Fatalf("unexpected emission: %+v", p)
	}
	p := mustReceive(t, b, "c", "x")
	sameOrder(t, p, nodes("x"))
	if got := b.NumProposals(); got != 1 {
		t.Fatalf("NumProposals() = %d, want 1", got)
	}
}

// Scenario 2: two destinations coalesce into a single proposal, in the
// order they stabilized.
func TestScenario_TwoDestinationsCoalesce(t *testing.T) {
	b := New(10, 3, 2)
	mustReceive(t, b, "a", "x") // x: 1
	mustReceive(t, b, "b", "x") // x: 2 == L, updatesInProgress=1
	mustReceive(t, b, "a", "y") // y: 1
	mustReceive(t, b, "b", "y") // y: 2 == L, updatesInProgress=2
	if p := mustReceive(t, b, "c", "x"); !p.Empty() {
		// x stable, updatesInProgress=1, no emission yet
		t.Fatalf("premature emission: %+v", p)
	}
	p := mustReceive(t, b, "c", "y") // y stable, updatesInProgress=0, emit
	sameOrder(t, p, nodes("x", "y"))
	if got := b.NumProposals(); got != 1 {
		t.Fatalf("NumProposals() = %d, want 1", got)
	}
}

// Scenario 3: a duplicate reporter is a no-op.
func TestScenario_DuplicateReporterIsNoOp(t *testing.T) {
	b := New(10, 3, 2)
	mustReceive(t, b, "a", "x")
	if p := mustReceive(t, b, "a", "x"); !p.Empty() {
		t.Fatalf("duplicate report triggered emission: %+v", p)
	}
	mustReceive(t, b, "b", "x")
	p := mustReceive(t, b, "c", "x")
	sameOrder(t, p, nodes("x"))
}

// Scenario 4: reports beyond H are absorbed silently once the set has been
// cleared by emission; a post-emission report just starts a fresh count.
func TestScenario_OverReportingAfterEmission(t *testing.T) {
	b := New(10, 3, 2)
	mustReceive(t, b, "a", "x")
	mustReceive(t, b, "b", "x")
	p := mustReceive(t, b, "c", "x")
	sameOrder(t, p, nodes("x"))

	before := b.updatesInProgressSnapshot()
	if p := mustReceive(t, b, "d", "x"); !p.Empty() {
		t.Fatalf("unexpected emission after reset: %+v", p)
	}
	if after := b.updatesInProgressSnapshot(); after != before {
		t.Fatalf("updatesInProgress changed from %d to %d on sub-L report", before, after)
	}
}

// Scenario 5: interleaved destinations never emit prematurely; a
// destination with fewer than L reports stays pending into the next batch.
func TestScenario_InterleavedDestinationsNoPrematureEmission(t *testing.T) {
	b := New(10, 3, 2)
	mustReceive(t, b, "a", "x") // x:1
	mustReceive(t, b, "b", "x") // x:2 (in band), updatesInProgress=1
	mustReceive(t, b, "a", "y") // y:1, still < L
	p := mustReceive(t, b, "c", "x")
	sameOrder(t, p, nodes("x"))
	if ip := b.updatesInProgressSnapshot(); ip != 0 {
		t.Fatalf("updatesInProgress = %d, want 0", ip)
	}
}

// Scenario 6: rejected configuration covered by TestNew_RejectsBadConfig.

func TestReceive_RejectsZeroValueMessage(t *testing.T) {
	b := New(10, 3, 2)
	if _, err := b.Receive(LinkUpdateMessage{}); err == nil {
		t.Fatalf("expected error for zero-value message")
	}
	if n := b.NumProposals(); n != 0 {
		t.Fatalf("state mutated on rejected input: proposals=%d", n)
	}
}

func TestInvariant_NeverNegativeInProgress(t *testing.T) {
	b := New(5, 3, 2)
	srcs := []string{"a", "b", "c", "d", "e"}
	for _, s := range srcs {
		mustReceive(t, b, s, "x")
		if ip := b.updatesInProgressSnapshot(); ip < 0 {
			t.Fatalf("updatesInProgress went negative: %d", ip)
		}
	}
}

func TestInvariant_ClearOnEmit(t *testing.T) {
	b := New(10, 3, 2)
	mustReceive(t, b, "a", "x")
	mustReceive(t, b, "b", "x")
	p := mustReceive(t, b, "c", "x")
	sameOrder(t, p, nodes("x"))
	if n := b.reportCountSnapshot(ep("x")); n != 0 {
		t.Fatalf("report set for emitted destination not cleared: %d entries remain", n)
	}
}

func TestInvariant_MonotoneProposalCount(t *testing.T) {
	b := New(10, 3, 2)
	last := 0
	for _, dst := range []string{"x", "y", "z"} {
		for _, src := range []string{"a", "b", "c"} {
			p := mustReceive(t, b, src, dst)
			if !p.Empty() {
				if got := b.NumProposals(); got != last+1 {
					t.Fatalf("NumProposals jumped from %d to %d", last, got)
				}
				last = b.NumProposals()
			}
		}
	}
	if last != 3 {
		t.Fatalf("expected 3 emitted proposals, got %d", last)
	}
}

func TestBoundary_KEqualsHEqualsL(t *testing.T) {
	b := New(3, 3, 3)
	mustReceive(t, b, "a", "x")
	mustReceive(t, b, "b", "x")
	p := mustReceive(t, b, "c", "x")
	sameOrder(t, p, nodes("x"))
}

func TestBoundary_LOneSuppressesBatchingUntilAllStable(t *testing.T) {
	b := New(10, 3, 1)
	// First report to any destination immediately enters the band (L=1).
	mustReceive(t, b, "a", "x")
	if ip := b.updatesInProgressSnapshot(); ip != 1 {
		t.Fatalf("updatesInProgress = %d, want 1", ip)
	}
	mustReceive(t, b, "a", "y")
	if ip := b.updatesInProgressSnapshot(); ip != 2 {
		t.Fatalf("updatesInProgress = %d, want 2", ip)
	}
	mustReceive(t, b, "b", "x")
	p := mustReceive(t, b, "c", "x")
	if !p.Empty() {
		t.Fatalf("x should not emit alone while y is still pending: %+v", p)
	}
	mustReceive(t, b, "b", "y")
	p = mustReceive(t, b, "c", "y")
	sameOrder(t, p, nodes("x", "y"))
}

func TestRoundTrip_ReplayIsIdempotentWithSingleDelivery(t *testing.T) {
	b1 := New(10, 3, 2)
	mustReceive(t, b1, "a", "x")
	mustReceive(t, b1, "a", "x") // replay
	mustReceive(t, b1, "b", "x")
	p1 := mustReceive(t, b1, "c", "x")

	b2 := New(10, 3, 2)
	mustReceive(t, b2, "a", "x")
	mustReceive(t, b2, "b", "x")
	p2 := mustReceive(t, b2, "c", "x")

	sameOrder(t, p1, p2)
	if b1.NumProposals() != b2.NumProposals() {
		t.Fatalf("proposal counts diverged: %d vs %d", b1.NumProposals(), b2.NumProposals())
	}
}

func TestAccountingInvariantViolation_Panics(t *testing.T) {
	b := New(10, 3, 2)
	mustReceive(t, b, "a", "x")
	mustReceive(t, b, "b", "x")
	// Simulate E1 by adding a pending proposal entry that has no backing
	// report set, then crossing H.
	b.mu.Lock()
	b.proposal = append(b.proposal, Node{Endpoint: ep("phantom")})
	b.updatesInProgress = 1
	b.mu.Unlock()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on accounting invariant violation")
		}
	}()
	mustReceive(t, b, "c", "x")
}

// test-only helpers reaching into buffer internals to assert invariants
// without exposing them on the public API.

func (b *Buffer) updatesInProgressSnapshot() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updatesInProgress
}

func (b *Buffer) reportCountSnapshot(dst Endpoint) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reportsPerHost[dst])
}
