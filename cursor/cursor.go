// Package cursor implements ChangeStreamCursor: the aggregation cursor
// wrapper that intercepts batch responses for resume-token bookkeeping and
// can clone itself for resumption.
package cursor

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sliftist/changestream/csoptions"
	"github.com/sliftist/changestream/internal/driverapi"
	"github.com/sliftist/changestream/internal/logging"
	"github.com/sliftist/changestream/resumestate"
)

// Cursor wraps a driverapi.AbstractCursor with the resume-token and
// start-time bookkeeping a change stream needs across resumes.
type Cursor struct {
	agg        driverapi.Aggregator
	underlying driverapi.AbstractCursor

	state      *resumestate.State
	opts       *csoptions.Options
	domain     csoptions.Domain
	userStages []bson.D

	wireVersion int
	log         *logging.Logger
}

// New opens a fresh server cursor for the given pipeline and options.
func New(ctx context.Context, agg driverapi.Aggregator, domain csoptions.Domain, userStages []bson.D, opts *csoptions.Options, log *logging.Logger) (*Cursor, error) {
	c := &Cursor{
		agg:        agg,
		state:      resumestate.New(opts),
		opts:       opts,
		domain:     domain,
		userStages: userStages,
		log:        log,
	}
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) open(ctx context.Context) error {
	res, err := c.agg.Aggregate(ctx, c.pipeline(), c.aggregateOptions())
	if err != nil {
		return err
	}
	c.underlying = res.Cursor
	c.wireVersion = res.WireVersion
	c.log.Debug("init")

	c.interceptBatch()

	// Only cache a start-time anchor when the user supplied no resume
	// anchor of their own and the server can honor it. A reopen for
	// resumption keeps the anchor captured by the initial open.
	if c.opts.StartAtOperationTime == nil && c.opts.ResumeAfter == nil &&
		c.opts.StartAfter == nil && c.wireVersion >= 7 &&
		c.emptyBatch() && c.state.ResumeToken == nil &&
		c.state.StartAtOperationTime == nil {
		c.state.CaptureStartAtOperationTime(res.OperationTime)
	}

	return nil
}

func (c *Cursor) pipeline() []bson.D {
	inner := c.state.Stage(c.domain, c.opts.FullDocument, c.opts.FullDocumentBeforeChange, c.wireVersion)
	stage := bson.D{{Key: "$changeStream", Value: inner}}

	pipeline := make([]bson.D, 0, len(c.userStages)+1)
	pipeline = append(pipeline, stage)
	pipeline = append(pipeline, c.userStages...)
	return pipeline
}

func (c *Cursor) aggregateOptions() driverapi.AggregateOptions {
	return driverapi.AggregateOptions{
		BatchSize:      c.opts.BatchSize,
		MaxAwaitTime:   c.opts.MaxAwaitTime,
		Collation:      c.opts.Collation,
		ReadPreference: c.opts.ReadPreference,
		Comment:        c.opts.Comment,
	}
}

// interceptBatch extracts the post-batch resume token from the cursor's
// current batch and, if the batch is empty, advances the resume token to
// it.
func (c *Cursor) interceptBatch() {
	b := c.underlying.Batch()
	if b.PostBatchResumeToken != nil {
		c.state.PostBatchResumeToken = b.PostBatchResumeToken
	}
	if len(b.Documents) == 0 {
		c.state.AdvanceFromEmptyBatch(b.PostBatchResumeToken)
	}
	c.log.Debug("response")
}

func (c *Cursor) emptyBatch() bool {
	return len(c.underlying.Batch().Documents) == 0
}

// Next performs one getMore-equivalent round trip and re-runs batch
// interception on whatever came back.
func (c *Cursor) Next(ctx context.Context) bool {
	ok := c.underlying.Next(ctx)
	c.interceptBatch()
	if ok {
		c.log.Debug("more")
	}
	return ok
}

func (c *Cursor) Batch() driverapi.Batch { return c.underlying.Batch() }
func (c *Cursor) Err() error             { return c.underlying.Err() }
func (c *Cursor) ID() int64              { return c.underlying.ID() }
func (c *Cursor) WireVersion() int       { return c.wireVersion }

func (c *Cursor) Close(ctx context.Context) error {
	return c.underlying.Close(ctx)
}

// PostBatchResumeToken returns the most recently observed batch-boundary
// token, or nil if the server has not advertised one yet.
func (c *Cursor) PostBatchResumeToken() bson.Raw {
	return c.state.PostBatchResumeToken
}

// ResumeToken returns the currently cached resume token.
func (c *Cursor) ResumeToken() bson.Raw {
	return c.state.ResumeToken
}

// StartAtOperationTime returns the cached start-time anchor, if any.
func (c *Cursor) StartAtOperationTime() *primitive.Timestamp {
	return c.state.StartAtOperationTime
}

// SetResumeToken caches tok as the current resume token. received marks
// that an event was surfaced to the consumer in this call, regardless of
// whether tok is the event's own _id or a post-batch resume token picked
// up at a batch boundary; it governs startAfter-vs-resumeAfter rendering
// on the next resume.
func (c *Cursor) SetResumeToken(tok bson.Raw, received bool) {
	if received {
		c.state.AdvanceFromEvent(tok)
		return
	}
	c.state.ResumeToken = tok
}

// ClearStartAtOperationTime drops the cached operation time once an event
// has been surfaced.
func (c *Cursor) ClearStartAtOperationTime() {
	c.state.ClearStartAtOperationTime()
}

// CloneForResume produces an equivalent cursor with the same pipeline and
// projected resume options. The new cursor's stage is computed fresh from
// the current resume state, so the startAfter/resumeAfter/
// startAtOperationTime choice always reflects the stream's position at
// the moment of resumption.
func (c *Cursor) CloneForResume(ctx context.Context) (*Cursor, error) {
	nc := &Cursor{
		agg:        c.agg,
		state:      c.state.Clone(),
		opts:       c.opts.Clone(),
		domain:     c.domain,
		userStages: c.userStages,
		log:        c.log,
	}
	if err := nc.open(ctx); err != nil {
		return nil, err
	}
	return nc, nil
}
