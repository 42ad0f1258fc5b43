// Package resumestate tracks the per-stream resume token bookkeeping and
// renders it into a $changeStream pipeline stage.
package resumestate

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sliftist/changestream/csoptions"
)

// State is the mutable per-stream resume record. It is owned exclusively
// by a single cursor generation at a time: only the cursor/controller
// advance ResumeToken, never a caller directly.
type State struct {
	ResumeToken          bson.Raw
	PostBatchResumeToken bson.Raw
	StartAtOperationTime *primitive.Timestamp

	// startAfter/resumeAfter record which anchor the user originally
	// supplied, independent of how ResumeToken has since evolved; Stage
	// consults StartAfter (not ResumeToken) to decide startAfter vs
	// resumeAfter rendering.
	StartAfter  bson.Raw
	ResumeAfter bson.Raw

	HasReceived bool
}

// New builds the initial resume state for a fresh stream from its
// options: startAfter takes precedence over resumeAfter when caching the
// first resume token.
func New(opts *csoptions.Options) *State {
	s := &State{
		StartAfter:           opts.StartAfter,
		ResumeAfter:          opts.ResumeAfter,
		StartAtOperationTime: opts.StartAtOperationTime,
	}
	switch {
	case opts.StartAfter != nil:
		s.ResumeToken = opts.StartAfter
	case opts.ResumeAfter != nil:
		s.ResumeToken = opts.ResumeAfter
	}
	return s
}

// Clone returns a shallow copy for a replacement cursor generation.
func (s *State) Clone() *State {
	cp := *s
	return &cp
}

// AdvanceFromEvent caches the resume token for a surfaced event and marks
// that an event has been received. The token is the event's _id, or the
// post-batch resume token when that event drained its batch.
func (s *State) AdvanceFromEvent(id bson.Raw) {
	s.ResumeToken = id
	s.HasReceived = true
}

// AdvanceFromEmptyBatch advances the resume token to the post-batch resume
// token when a batch arrives empty. A nil pbrt is a no-op: the prior
// resume token stands.
func (s *State) AdvanceFromEmptyBatch(pbrt bson.Raw) {
	if pbrt == nil {
		return
	}
	s.ResumeToken = pbrt
	s.PostBatchResumeToken = pbrt
}

// CaptureStartAtOperationTime records the aggregate response's operation
// time for later resume attempts, only valid when called once, right
// after the initial aggregate, before any resume token is known.
func (s *State) CaptureStartAtOperationTime(t *primitive.Timestamp) {
	s.StartAtOperationTime = t
}

// ClearStartAtOperationTime drops the cached operation time once an event
// has been surfaced, preventing a stale anchor from conflicting with the
// resume token on a future resume stage.
func (s *State) ClearStartAtOperationTime() {
	s.StartAtOperationTime = nil
}

// Stage renders the current resume state into a $changeStream stage body
// (the document nested under the "$changeStream" key). At most one of
// startAfter/resumeAfter/startAtOperationTime is ever rendered; none when
// no resume token is known and no usable operation time is cached.
func (s *State) Stage(domain csoptions.Domain, fullDocument, fullDocumentBeforeChange csoptions.FullDocument, wireVersion int) bson.D {
	var stage bson.D

	if domain == csoptions.ClusterDomain {
		stage = append(stage, bson.E{Key: "allChangesForCluster", Value: true})
	}
	if fullDocument != csoptions.FullDocumentDefault {
		stage = append(stage, bson.E{Key: "fullDocument", Value: string(fullDocument)})
	}
	if fullDocumentBeforeChange != csoptions.FullDocumentDefault {
		stage = append(stage, bson.E{Key: "fullDocumentBeforeChange", Value: string(fullDocumentBeforeChange)})
	}

	switch {
	case s.ResumeToken != nil:
		if s.StartAfter != nil && !s.HasReceived {
			stage = append(stage, bson.E{Key: "startAfter", Value: s.ResumeToken})
		} else {
			stage = append(stage, bson.E{Key: "resumeAfter", Value: s.ResumeToken})
		}
	case s.StartAtOperationTime != nil && wireVersion >= 7:
		stage = append(stage, bson.E{Key: "startAtOperationTime", Value: *s.StartAtOperationTime})
	}

	return stage
}
