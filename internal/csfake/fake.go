// Package csfake provides in-memory fakes for the driverapi interfaces,
// used to drive scripted batches, injected errors, and topology flaps in
// tests without a live server.
package csfake

import (
	"context"
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/sliftist/changestream/internal/driverapi"
)

// Step is one scripted outcome of a Cursor.Next call: either a batch or
// an error, never both.
type Step struct {
	Batch driverapi.Batch
	Err   error

	// Block, if non-nil, makes Next wait until either Block is closed or
	// ctx is done before resolving the rest of the step, simulating a
	// long-poll getMore a caller can interrupt.
	Block chan struct{}
}

// Cursor is a scripted driverapi.AbstractCursor.
type Cursor struct {
	mu      sync.Mutex
	id      int64
	current driverapi.Batch
	err     error
	steps   []Step
	idx     int
	closed  bool
}

// NewCursor returns a cursor whose construction-time batch is initial and
// whose subsequent Next calls replay steps in order.
func NewCursor(id int64, initial driverapi.Batch, steps []Step) *Cursor {
	return &Cursor{id: id, current: initial, steps: steps}
}

func (c *Cursor) Next(ctx context.Context) bool {
	c.mu.Lock()
	if c.idx >= len(c.steps) {
		c.id = 0
		c.current = driverapi.Batch{}
		c.err = nil
		c.mu.Unlock()
		return false
	}
	st := c.steps[c.idx]
	c.idx++
	c.mu.Unlock()

	if st.Block != nil {
		select {
		case <-st.Block:
		case <-ctx.Done():
			c.mu.Lock()
			c.err = ctx.Err()
			c.mu.Unlock()
			return false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.Err != nil {
		c.err = st.Err
		return false
	}
	c.err = nil
	c.current = st.Batch
	return len(st.Batch.Documents) > 0
}

func (c *Cursor) Batch() driverapi.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Cursor) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Cursor) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Cursor) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Aggregator is a scripted driverapi.Aggregator: each call to Aggregate
// consumes the next response in Responses, in order (the first call is
// the initial open, each subsequent call is a resume).
type Aggregator struct {
	mu        sync.Mutex
	Responses []driverapi.AggregateResult
	idx       int
	pipelines [][]bson.D
}

func (a *Aggregator) Aggregate(ctx context.Context, pipeline []bson.D, opts driverapi.AggregateOptions) (driverapi.AggregateResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pipelines = append(a.pipelines, pipeline)
	if a.idx >= len(a.Responses) {
		return driverapi.AggregateResult{}, errors.New("csfake: aggregator exhausted")
	}
	res := a.Responses[a.idx]
	a.idx++
	return res, nil
}

// Pipelines returns every pipeline passed to Aggregate so far, in call
// order, for assertions against the rendered $changeStream stage.
func (a *Aggregator) Pipelines() [][]bson.D {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]bson.D, len(a.pipelines))
	copy(out, a.pipelines)
	return out
}

// Topology is a toggleable driverapi.Topology.
type Topology struct {
	mu        sync.Mutex
	connected bool
}

func NewTopology(connected bool) *Topology {
	return &Topology{connected: connected}
}

func (t *Topology) SetConnected(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = v
}

func (t *Topology) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// ClassifierFunc adapts a function to driverapi.ErrorClassifier.
type ClassifierFunc func(err error, wireVersion int) bool

func (f ClassifierFunc) IsResumableError(err error, wireVersion int) bool { return f(err, wireVersion) }

// AlwaysResumable classifies every error as resumable.
var AlwaysResumable = ClassifierFunc(func(error, int) bool { return true })

// NeverResumable classifies every error as unresumable.
var NeverResumable = ClassifierFunc(func(error, int) bool { return false })
