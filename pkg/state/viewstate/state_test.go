package viewstate

import (
    "testing"

    "github.com/amirimatin/rapid-core/pkg/watermark"
)

func ep(port int) watermark.Endpoint { return watermark.Endpoint{Host: "127.0.0.1", Port: port} }

func TestApplyViewChange_TogglesMembership(t *testing.T) {
    s := New()
    v, err := s.ApplyViewChange([]watermark.Endpoint{ep(1), ep(2)})
    if err != nil {
        t.Fatalf("ApplyViewChange: %v", err)
    }
    if v.Seq != 1 || len(v.Members) != 2 {
        t.Fatalf("unexpected view after join: %+v", v)
    }

    v, err = s.ApplyViewChange([]watermark.Endpoint{ep(1)})
    if err != nil {
        t.Fatalf("ApplyViewChange: %v", err)
    }
    if v.Seq != 2 || len(v.Members) != 1 || v.Members[0] != ep(2) {
        t.Fatalf("unexpected view after removal: %+v", v)
    }
}

func TestSnapshotRestore_RoundTrips(t *testing.T) {
    s := New()
    if _, err := s.ApplyViewChange([]watermark.Endpoint{ep(1), ep(2), ep(3)}); err != nil {
        t.Fatalf("ApplyViewChange: %v", err)
    }
    blob, err := s.Snapshot()
    if err != nil {
        t.Fatalf("Snapshot: %v", err)
    }

    restored := New()
    if err := restored.Restore(blob); err != nil {
        t.Fatalf("Restore: %v", err)
    }
    got := restored.CurrentView()
    want := s.CurrentView()
    if got.Seq != want.Seq || len(got.Members) != len(want.Members) {
        t.Fatalf("restored view mismatch: got %+v, want %+v", got, want)
    }
}

func TestApplyViewChange_AdvancesSeqOnEmptyBatch(t *testing.T) {
    s := New()
    v, err := s.ApplyViewChange(nil)
    if err != nil {
        t.Fatalf("ApplyViewChange: %v", err)
    }
    if v.Seq != 1 {
        t.Fatalf("expected seq to advance even for empty batch, got %d", v.Seq)
    }
}
