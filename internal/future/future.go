// Package future implements a small one-shot future, the primitive the
// ingestion pipeline uses wherever spec.md talks about a value that
// "completes" asynchronously: a partition's last_vt_produce_future and
// last_persist_future (spec §3), a leaderProducedRecordContext's
// persistedToDBFuture (spec §4.G), and the composite join future gating the
// next version-topic produce in the active/active path (spec §4.F).
//
// It is grounded on the state-machine shape of the unexported promise type
// in github.com/joeycumines/go-eventloop's promise.go (Pending/Resolved/
// Rejected state, mutex-guarded, fan-out to channel subscribers on
// settlement), reimplemented standalone because that type has no
// constructor usable outside a running eventloop.Loop/JS (see DESIGN.md).
package future

import (
	"context"
	"sync"
)

// State is the lifecycle state of a Future.
type State int

const (
	Pending State = iota
	Resolved
	Rejected
)

// Future is a read-only view of a value that settles exactly once, either
// successfully (Resolved) or with an error (Rejected).
type Future struct {
	mu          sync.Mutex
	state       State
	err         error
	done        chan struct{}
	subscribers []chan struct{}
}

// New returns a new, Pending Future, along with the resolve/reject functions
// that settle it. Either function may be called from any goroutine; only the
// first call (of either) has effect.
func New() (f *Future, resolve func(), reject func(err error)) {
	f = &Future{done: make(chan struct{})}
	return f, func() { f.settle(Resolved, nil) }, func(err error) { f.settle(Rejected, err) }
}

// Done returns an already-Resolved Future, for PCS fields that start out
// "already completed" (spec §3: last_vt_produce_future "Initially already-
// completed").
func Done() *Future {
	f := &Future{done: make(chan struct{})}
	close(f.done)
	f.state = Resolved
	return f
}

func (f *Future) settle(state State, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return
	}
	f.state = state
	f.err = err
	close(f.done)
	for _, ch := range f.subscribers {
		close(ch)
	}
	f.subscribers = nil
}

// State returns the current lifecycle state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the rejection cause, if any; nil if Pending or Resolved.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the Future settles or ctx is canceled, whichever comes
// first, returning the rejection cause (if any) or ctx.Err().
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join returns a new Future that resolves once every Future in fs has
// settled: rejected if any of them rejected (with the first rejection
// cause observed), resolved otherwise. A nil or empty fs resolves
// immediately. This is the composite future used to gate the next
// version-topic produce on both the previous produce and all concurrent
// view-writer futures (spec §4.F step 4).
func Join(fs ...*Future) *Future {
	out, resolve, reject := New()
	if len(fs) == 0 {
		resolve()
		return out
	}
	go func() {
		var firstErr error
		for _, f := range fs {
			if f == nil {
				continue
			}
			if err := f.Wait(context.Background()); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if firstErr != nil {
			reject(firstErr)
		} else {
			resolve()
		}
	}()
	return out
}
