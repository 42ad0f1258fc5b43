// Package bridge adapts the controller's pull loop to a push channel pair
// for emitter mode. It is the channel-based analogue of an
// EventEmitter-based stream bridge: a channel consumer naturally keeps
// reading across a resume, so there is no listener teardown/rewiring step
// to model.
package bridge

import (
	"sync"

	"github.com/sliftist/changestream/changeevent"
)

const changeBufferSize = 16

// Bridge is a push-stream handle for emitter mode: one Changes() event per
// delivered change, and at most one terminal error on Errors() before the
// bridge is done.
type Bridge struct {
	mu        sync.Mutex
	changesCh chan *changeevent.Event
	errCh     chan error
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New returns a freshly attached bridge.
func New() *Bridge {
	return &Bridge{
		changesCh: make(chan *changeevent.Event, changeBufferSize),
		errCh:     make(chan error, 1),
		doneCh:    make(chan struct{}),
	}
}

// Changes is the event channel. It is never closed; Done reports when the
// bridge has been closed.
func (b *Bridge) Changes() <-chan *changeevent.Event { return b.changesCh }

// Errors carries at most one terminal error before the stream closes.
func (b *Bridge) Errors() <-chan error { return b.errCh }

// Done reports when the bridge has been closed.
func (b *Bridge) Done() <-chan struct{} { return b.doneCh }

// Emit delivers ev to the consumer, or reports false if the bridge was
// closed first.
func (b *Bridge) Emit(ev *changeevent.Event) bool {
	select {
	case b.changesCh <- ev:
		return true
	case <-b.doneCh:
		return false
	}
}

// Fail delivers a terminal error to the consumer.
func (b *Bridge) Fail(err error) {
	select {
	case b.errCh <- err:
	case <-b.doneCh:
	}
}

// NewGeneration marks a resume boundary. An EventEmitter-based bridge
// would detach its listeners and attach a fresh adapter per cursor
// generation here; a channel consumer needs no such rewiring, so this is
// a no-op: it logs nothing and signals nothing to the consumer.
func (b *Bridge) NewGeneration() {}

// Close tears the bridge down; it is idempotent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.doneCh)
	})
}
