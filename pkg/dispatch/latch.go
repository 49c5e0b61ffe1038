// Package dispatch implements the deferred-dispatch boundary: a one-shot
// latch that holds inbound protocol calls at the RPC boundary until the
// owning membership service has been bound, then releases every held and
// future call without relying on per-call busy-waiting.
package dispatch

import (
	"context"
	"sync"
)

// Latch is a one-shot gate. Calls to Hold block until Unblock is called
// (or their context is canceled); after the first Unblock, Hold returns
// immediately for every subsequent call. Unblock is idempotent.
//
// The zero value is not usable; construct one with NewLatch.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch returns a Latch in the held state.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Hold blocks the calling goroutine until Unblock has been called or ctx
// is done, whichever happens first. While held, a call consumes no
// resources beyond the goroutine awaiting this channel.
func (l *Latch) Hold(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	default:
	}
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unblock releases every call currently waiting in Hold, and every future
// call to Hold returns immediately. Calling Unblock more than once has no
// additional effect.
func (l *Latch) Unblock() {
	l.once.Do(func() { close(l.ch) })
}

// Unblocked reports whether Unblock has already been called. It never
// blocks.
func (l *Latch) Unblocked() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}
