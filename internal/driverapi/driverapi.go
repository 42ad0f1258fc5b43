// Package driverapi defines the narrow interfaces this module depends on
// for everything it treats as out of scope: the wire protocol,
// aggregation dispatch and server selection, the generic getMore cursor,
// session management, connection pooling, and wire-error classification.
// A production embedder implements these against a real driver; tests
// implement them against internal/csfake.
package driverapi

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Topology reports cluster connectivity health. The change stream polls
// this while waiting out a resumable error; all other topology concerns
// (server selection, monitoring) belong to the collaborator and are not
// modeled here.
type Topology interface {
	IsConnected() bool
}

// Batch is one wire response batch: zero or more raw event documents plus
// the post-batch resume token the server attached to the batch boundary,
// if any.
type Batch struct {
	Documents            []bson.Raw
	PostBatchResumeToken bson.Raw
}

// AbstractCursor is the generic aggregation cursor this module wraps. Next
// performs one getMore-equivalent round trip: it returns true only when a
// non-empty batch was fetched. A false return with Err() == nil means no
// error occurred: either the getMore returned an empty batch on a live
// cursor, or the cursor is exhausted. ID() distinguishes the two; it is 0
// once the cursor is exhausted.
type AbstractCursor interface {
	Next(ctx context.Context) bool
	Batch() Batch
	Err() error
	ID() int64
	Close(ctx context.Context) error
}

// AggregateOptions are the cursor-level options passed through to the
// aggregation collaborator untouched.
type AggregateOptions struct {
	BatchSize      *int32
	MaxAwaitTime   *time.Duration
	Collation      bson.Raw
	ReadPreference any
	Comment        any
}

// AggregateResult is what dispatching a $changeStream-prefixed pipeline
// returns: a fresh cursor plus the response metadata needed to seed resume
// state.
type AggregateResult struct {
	Cursor        AbstractCursor
	OperationTime *primitive.Timestamp
	WireVersion   int
}

// Aggregator dispatches an aggregation pipeline whose first stage is a
// $changeStream document and returns a server cursor for it. Server
// selection, connection acquisition, and retryable-read handling are the
// implementation's concern, not this module's.
type Aggregator interface {
	Aggregate(ctx context.Context, pipeline []bson.D, opts AggregateOptions) (AggregateResult, error)
}

// ErrorClassifier decides whether a cursor/aggregate error is resumable:
// a wire-version-gated error label on newer servers, a fixed code
// whitelist on older ones. Kept external so the driver-specific
// classification logic never leaks into this package.
type ErrorClassifier interface {
	IsResumableError(err error, wireVersion int) bool
}
