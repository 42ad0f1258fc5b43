// Package changestream is the public surface of the change stream
// subsystem: it owns the mode invariant, the resume/lifecycle state
// machine, and fan-out to either a pull-iterator or a push-emitter
// consumer.
package changestream

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sliftist/changestream/bridge"
	"github.com/sliftist/changestream/changeevent"
	"github.com/sliftist/changestream/cserrors"
	"github.com/sliftist/changestream/csoptions"
	"github.com/sliftist/changestream/cursor"
	"github.com/sliftist/changestream/internal/driverapi"
	"github.com/sliftist/changestream/internal/logging"
	"github.com/sliftist/changestream/topowait"
)

// Mode is the one-shot sub-state a stream crosses into at most once: a
// stream is either pulled from or pushed to, never both.
type Mode int

const (
	ModeUnset Mode = iota
	ModeIterator
	ModeEmitter
)

// Config is everything needed to open a change stream: the external
// collaborators plus the stream's domain, user pipeline, and options.
type Config struct {
	Aggregator driverapi.Aggregator
	Topology   driverapi.Topology
	Classifier driverapi.ErrorClassifier
	Domain     csoptions.Domain
	Pipeline   []bson.D
	Options    *csoptions.Options
	Logger     *zap.Logger
}

// ChangeStream is used to consume a stream of change events, either by
// pulling (Next/HasNext/TryNext) or by attaching a push Bridge (Stream).
// A given instance supports exactly one of the two for its lifetime. It
// is safe for concurrent use.
//
// Two locks cooperate here on purpose. mu guards only the small published
// fields (closed, err, mode, current, lastToken, cur, localBatch,
// pendingEvent, brg) and is never held across a blocking call, so Close
// always takes effect immediately even while a Next/HasNext call is
// waiting on a getMore round trip or a resume. exec serializes the body
// of fetch across concurrent pulling callers, so only one goroutine ever
// drives the cursor at a time; Go's runtime switches a contended mutex
// into starvation mode once a waiter has been queued longer than about a
// millisecond, which is enough FIFO-ish fairness for concurrent Next
// callers without hand-rolling an explicit waiter queue.
type ChangeStream struct {
	mu   sync.Mutex
	exec sync.Mutex

	cur        *cursor.Cursor
	agg        driverapi.Aggregator
	topology   driverapi.Topology
	classifier driverapi.ErrorClassifier
	domain     csoptions.Domain

	mode   Mode
	closed bool
	err    error

	// closeCh is closed exactly once, by the first Close call, and gives
	// any in-flight blocking cursor call a way to unblock promptly.
	closeCh chan struct{}

	localBatch   []bson.Raw
	pendingEvent *changeevent.Event
	current      bson.Raw
	lastToken    bson.Raw

	brg *bridge.Bridge
	log *logging.Logger
}

// New opens a change stream eagerly: the underlying server cursor is
// created before New returns.
func New(ctx context.Context, cfg Config) (*ChangeStream, error) {
	if !cfg.Domain.Valid() {
		return nil, &cserrors.InvalidParentError{Domain: int(cfg.Domain)}
	}

	opts := cfg.Options
	if opts == nil {
		opts = csoptions.New()
	}
	log := logging.New(cfg.Logger)

	cur, err := cursor.New(ctx, cfg.Aggregator, cfg.Domain, cfg.Pipeline, opts, log)
	if err != nil {
		return nil, err
	}

	return &ChangeStream{
		cur:        cur,
		agg:        cfg.Aggregator,
		topology:   cfg.Topology,
		classifier: cfg.Classifier,
		domain:     cfg.Domain,
		log:        log,
		closeCh:    make(chan struct{}),
		lastToken:  cur.ResumeToken(),
		localBatch: append([]bson.Raw(nil), cur.Batch().Documents...),
	}, nil
}

// ID returns the underlying cursor's ID, or 0 once it has been closed or
// exhausted.
func (cs *ChangeStream) ID() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.cur == nil {
		return 0
	}
	return cs.cur.ID()
}

// Decode unmarshals the most recently delivered event's raw document into
// val.
func (cs *ChangeStream) Decode(val any) error {
	cs.mu.Lock()
	raw := cs.current
	cs.mu.Unlock()
	if raw == nil {
		return &cserrors.ClosedStreamError{}
	}
	return bson.Unmarshal(raw, val)
}

// Err returns the sticky error that closed the stream, or nil.
func (cs *ChangeStream) Err() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.err
}

// ResumeToken returns the last cached resume token, or nil if none has
// been observed yet.
func (cs *ChangeStream) ResumeToken() bson.Raw {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.cur != nil {
		return cs.cur.ResumeToken()
	}
	return cs.lastToken
}

// Close is authoritative and idempotent: it synchronously marks the
// stream closed and tears down the cursor and any stream bridge. Close
// never waits on exec, so it returns promptly even while a Next/HasNext
// call is blocked inside a getMore round trip or a resume.
func (cs *ChangeStream) Close(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.closeLocked(ctx)
	return cs.err
}

// closeLocked must be called with cs.mu held.
func (cs *ChangeStream) closeLocked(ctx context.Context) {
	if cs.closed {
		return
	}
	cs.closed = true
	close(cs.closeCh)
	if cs.cur != nil {
		cs.lastToken = cs.cur.ResumeToken()
		_ = cs.cur.Close(ctx)
		cs.cur = nil
	}
	if cs.brg != nil {
		cs.brg.Close()
	}
}

// HasNext blocks until an event is known to be available, an error
// occurs, or ctx is done. A subsequent Next is guaranteed not to block
// once HasNext has returned true.
func (cs *ChangeStream) HasNext(ctx context.Context) (bool, error) {
	cs.mu.Lock()
	if cs.pendingEvent != nil {
		cs.mu.Unlock()
		return true, nil
	}
	cs.mu.Unlock()

	ev, err := cs.fetch(ctx, ModeIterator, true)
	if err != nil {
		return false, err
	}
	if ev == nil {
		return false, nil
	}

	cs.mu.Lock()
	cs.pendingEvent = ev
	cs.mu.Unlock()
	return true, nil
}

// Next blocks until the next event is available, an error occurs, or ctx
// is done.
func (cs *ChangeStream) Next(ctx context.Context) (*changeevent.Event, error) {
	cs.mu.Lock()
	if cs.pendingEvent != nil {
		ev := cs.pendingEvent
		cs.pendingEvent = nil
		cs.mu.Unlock()
		return ev, nil
	}
	cs.mu.Unlock()

	ev, err := cs.fetch(ctx, ModeIterator, true)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		// Implicit close reached while blocking: surface it the same way
		// any other post-close call would be surfaced.
		return nil, &cserrors.ClosedStreamError{}
	}
	return ev, nil
}

// TryNext returns the next event if one is immediately buffered, or
// (nil, nil) if none is available yet without blocking.
func (cs *ChangeStream) TryNext(ctx context.Context) (*changeevent.Event, error) {
	cs.mu.Lock()
	if cs.pendingEvent != nil {
		ev := cs.pendingEvent
		cs.pendingEvent = nil
		cs.mu.Unlock()
		return ev, nil
	}
	cs.mu.Unlock()

	return cs.fetch(ctx, ModeIterator, false)
}

// Stream switches the stream into emitter mode and returns the push
// bridge, attaching it at most once.
func (cs *ChangeStream) Stream(ctx context.Context) (*bridge.Bridge, error) {
	cs.mu.Lock()
	if cs.cur == nil {
		cs.mu.Unlock()
		return nil, &cserrors.NoCursorError{}
	}
	if cs.mode == ModeIterator {
		cs.mu.Unlock()
		return nil, &cserrors.ModeConflictError{}
	}
	cs.mode = ModeEmitter
	started := cs.brg != nil
	if !started {
		cs.brg = bridge.New()
	}
	brg := cs.brg
	cs.mu.Unlock()

	if !started {
		go cs.runEmitter(ctx)
	}
	return brg, nil
}

func (cs *ChangeStream) runEmitter(ctx context.Context) {
	for {
		ev, err := cs.fetch(ctx, ModeEmitter, true)

		cs.mu.Lock()
		brg := cs.brg
		cs.mu.Unlock()
		if brg == nil {
			return
		}

		if err != nil {
			brg.Fail(err)
			return
		}
		if ev == nil {
			return
		}
		if !brg.Emit(ev) {
			return
		}
	}
}

// fetch is the core "on new change"/"on error" algorithm. exec serializes
// concurrent callers so only one goroutine ever drives the cursor at a
// time; mu is only ever held briefly to read or publish the small shared
// fields, never across the blocking cursor call or a resume, so Close can
// always interrupt an in-flight call. want is the caller's consumption
// mode (ModeIterator for Next/HasNext/TryNext, ModeEmitter for the
// emitter loop). blocking=false implements TryNext's non-blocking
// semantics; blocking=true implements Next/HasNext.
func (cs *ChangeStream) fetch(ctx context.Context, want Mode, blocking bool) (*changeevent.Event, error) {
	cs.exec.Lock()
	defer cs.exec.Unlock()

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil, &cserrors.ClosedStreamError{}
	}
	if cs.mode == ModeUnset {
		cs.mode = want
	} else if cs.mode != want {
		cs.mu.Unlock()
		return nil, &cserrors.ModeConflictError{}
	}
	closeCh := cs.closeCh
	cs.mu.Unlock()

	for {
		cs.mu.Lock()
		if cs.closed {
			cs.mu.Unlock()
			return nil, &cserrors.ClosedStreamError{}
		}

		if len(cs.localBatch) > 0 {
			raw := cs.localBatch[0]
			cs.localBatch = cs.localBatch[1:]
			cur := cs.cur

			ev, perr := changeevent.Parse(raw)
			if perr != nil || len(ev.ID) == 0 {
				err := &cserrors.MissingResumeTokenError{Cause: perr}
				cs.err = err
				cs.closeLocked(ctx)
				cs.mu.Unlock()
				return nil, err
			}

			// An event is being delivered either way: HasReceived must
			// flip regardless of whether the cached token is the event's
			// own _id or a batch-boundary post-batch resume token,
			// otherwise a stream whose first delivered event lands on a
			// drained, PBRT-bearing batch would re-render startAfter on
			// its next resume instead of resumeAfter.
			drained := len(cs.localBatch) == 0
			if drained && cur.PostBatchResumeToken() != nil {
				cur.SetResumeToken(cur.PostBatchResumeToken(), true)
			} else {
				cur.SetResumeToken(ev.ID, true)
			}
			cur.ClearStartAtOperationTime()

			cs.current = raw
			cs.lastToken = cur.ResumeToken()
			cs.mu.Unlock()
			return ev, nil
		}

		cur := cs.cur
		cs.mu.Unlock()

		ok, interrupted := cs.advance(ctx, cur, closeCh)

		cs.mu.Lock()
		if cs.closed {
			cs.mu.Unlock()
			return nil, &cserrors.ClosedStreamError{}
		}
		if cur != cs.cur {
			// A concurrent resume already replaced the cursor; restart
			// against the current one instead of acting on a stale batch.
			cs.mu.Unlock()
			continue
		}
		if interrupted {
			cs.mu.Unlock()
			return nil, ctx.Err()
		}
		if ok {
			cs.localBatch = append([]bson.Raw(nil), cur.Batch().Documents...)
			cs.mu.Unlock()
			continue
		}

		if err := cur.Err(); err != nil {
			if !cs.classifier.IsResumableError(err, cur.WireVersion()) {
				uerr := &cserrors.UnresumableError{Cause: err}
				cs.err = uerr
				cs.closeLocked(ctx)
				cs.mu.Unlock()
				return nil, uerr
			}
			cs.mu.Unlock()

			cs.log.Warn("resume_attempt")
			newCur, rerr := cs.resume(ctx, cur, closeCh)

			cs.mu.Lock()
			if cs.closed {
				cs.mu.Unlock()
				return nil, &cserrors.ClosedStreamError{}
			}
			if rerr != nil {
				cs.err = rerr
				cs.closeLocked(ctx)
				cs.mu.Unlock()
				return nil, rerr
			}
			cs.cur = newCur
			cs.localBatch = append([]bson.Raw(nil), newCur.Batch().Documents...)
			if cs.mode == ModeEmitter && cs.brg != nil {
				cs.brg.NewGeneration()
			}
			cs.mu.Unlock()
			continue
		}

		if cur.ID() == 0 {
			// Implicit close on the null-cursor sentinel: no sticky error,
			// same teardown as an explicit Close.
			cs.closeLocked(ctx)
			cs.mu.Unlock()
			return nil, nil
		}
		cs.mu.Unlock()
		if !blocking {
			return nil, nil
		}
	}
}

// advance performs one getMore-equivalent round trip against cur without
// holding cs.mu, so a concurrent Close can take effect while this is in
// flight. interrupted reports that the call returned because ctx itself
// ended (either the caller's own ctx or a concurrent Close via closeCh),
// as opposed to the cursor reporting a server-side error.
func (cs *ChangeStream) advance(ctx context.Context, cur *cursor.Cursor, closeCh <-chan struct{}) (ok bool, interrupted bool) {
	mctx, cancel := mergeClose(ctx, closeCh)
	defer cancel()

	ok = cur.Next(mctx)
	if !ok && mctx.Err() != nil {
		return false, true
	}
	return ok, false
}

// resume tears down the active cursor, waits for topology recovery, and
// opens a replacement positioned from the current resume state. Called
// without cs.mu held so a concurrent Close is never blocked behind the
// topology wait.
func (cs *ChangeStream) resume(ctx context.Context, old *cursor.Cursor, closeCh <-chan struct{}) (*cursor.Cursor, error) {
	mctx, cancel := mergeClose(ctx, closeCh)
	defer cancel()

	g, gctx := errgroup.WithContext(mctx)
	g.Go(func() error {
		_ = old.Close(gctx)
		return nil
	})
	g.Go(func() error {
		return topowait.Wait(gctx, cs.topology)
	})
	if err := g.Wait(); err != nil {
		if mctx.Err() != nil {
			// mctx ended for a reason external to the topology wait
			// itself, the caller's own ctx or a concurrent Close, not the
			// topology failing to reconnect within its own deadline.
			return nil, mctx.Err()
		}
		cs.log.Warn("topology_wait_timeout")
		return nil, &cserrors.TopologyTimeoutError{Cause: err}
	}

	newCur, err := old.CloneForResume(ctx)
	if err != nil {
		cs.log.Warn("resume_failed")
		return nil, &cserrors.UnresumableError{Cause: err}
	}
	return newCur, nil
}

// mergeClose returns a context done when parent is done or closeCh is
// closed, whichever comes first. The caller must call the returned cancel
// once it is done with the context, to release the goroutine racing the
// two signals.
func mergeClose(parent context.Context, closeCh <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
