package changestream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sliftist/changestream/changeevent"
	"github.com/sliftist/changestream/cserrors"
	"github.com/sliftist/changestream/csoptions"
	"github.com/sliftist/changestream/internal/csfake"
	"github.com/sliftist/changestream/internal/driverapi"
)

func mustEventRaw(t *testing.T, id string, opType string, extra bson.M) bson.Raw {
	t.Helper()
	doc := bson.M{"_id": bson.M{"_data": id}, "operationType": opType}
	for k, v := range extra {
		doc[k] = v
	}
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return bson.Raw(raw)
}

func mustRaw(t *testing.T, v any) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(b)
}

func newTestStream(t *testing.T, initial driverapi.Batch, opts *csoptions.Options) (*ChangeStream, *csfake.Aggregator, *csfake.Cursor, *csfake.Topology) {
	t.Helper()
	fc := csfake.NewCursor(1, initial, nil)
	agg := &csfake.Aggregator{Responses: []driverapi.AggregateResult{{Cursor: fc, WireVersion: 8}}}
	topo := csfake.NewTopology(true)

	if opts == nil {
		opts = csoptions.New()
	}

	cs, err := New(context.Background(), Config{
		Aggregator: agg,
		Topology:   topo,
		Classifier: csfake.AlwaysResumable,
		Domain:     csoptions.CollectionDomain,
		Options:    opts,
	})
	require.NoError(t, err)
	return cs, agg, fc, topo
}

func TestNextDeliversEventsInOrder(t *testing.T) {
	ev1 := mustEventRaw(t, "1", "insert", bson.M{"ns": bson.M{"db": "d", "coll": "c"}, "documentKey": bson.M{"_id": 1}})
	ev2 := mustEventRaw(t, "2", "insert", bson.M{"ns": bson.M{"db": "d", "coll": "c"}, "documentKey": bson.M{"_id": 2}})

	cs, _, _, _ := newTestStream(t, driverapi.Batch{Documents: []bson.Raw{ev1, ev2}}, nil)

	a, err := cs.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, changeevent.Insert, a.OperationType)

	b, err := cs.Next(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestResumeTokenAdvancesPastLastSurfacedEvent(t *testing.T) {
	ev1 := mustEventRaw(t, "1", "insert", nil)
	cs, _, _, _ := newTestStream(t, driverapi.Batch{Documents: []bson.Raw{ev1}}, nil)

	_, err := cs.Next(context.Background())
	require.NoError(t, err)

	assert.NotNil(t, cs.ResumeToken())
}

func TestCloseMakesSubsequentCallsFailClosedStream(t *testing.T) {
	cs, _, _, _ := newTestStream(t, driverapi.Batch{}, nil)

	require.NoError(t, cs.Close(context.Background()))

	var closed *cserrors.ClosedStreamError

	_, err := cs.Next(context.Background())
	assert.ErrorAs(t, err, &closed)

	_, err = cs.TryNext(context.Background())
	assert.ErrorAs(t, err, &closed)

	_, err = cs.HasNext(context.Background())
	assert.ErrorAs(t, err, &closed)
}

func TestCloseIsIdempotent(t *testing.T) {
	cs, _, _, _ := newTestStream(t, driverapi.Batch{}, nil)
	require.NoError(t, cs.Close(context.Background()))
	require.NoError(t, cs.Close(context.Background()))
}

func TestModeConflictWhenSubscribingAfterIterating(t *testing.T) {
	cs, _, _, _ := newTestStream(t, driverapi.Batch{}, nil)

	ok, err := cs.HasNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok) // empty batch, cursor exhausted (no scripted steps) -> implicit close

	// Re-open with a non-exhausting cursor to test the conflict path
	// without the stream already being closed by exhaustion.
	ev := mustEventRaw(t, "1", "insert", nil)
	cs2, _, _, _ := newTestStream(t, driverapi.Batch{Documents: []bson.Raw{ev}}, nil)
	_, err = cs2.Next(context.Background())
	require.NoError(t, err)

	_, err = cs2.Stream(context.Background())
	var modeErr *cserrors.ModeConflictError
	assert.ErrorAs(t, err, &modeErr)
}

func TestMissingResumeTokenClosesStream(t *testing.T) {
	raw, err := bson.Marshal(bson.M{"operationType": "insert"})
	require.NoError(t, err)

	cs, _, _, _ := newTestStream(t, driverapi.Batch{Documents: []bson.Raw{bson.Raw(raw)}}, nil)

	_, err = cs.Next(context.Background())
	var missing *cserrors.MissingResumeTokenError
	require.ErrorAs(t, err, &missing)

	_, err = cs.Next(context.Background())
	var closed *cserrors.ClosedStreamError
	assert.ErrorAs(t, err, &closed)
}

func TestUnresumableErrorClosesStream(t *testing.T) {
	fc := csfake.NewCursor(1, driverapi.Batch{}, []csfake.Step{
		{Err: errors.New("boom")},
	})
	agg := &csfake.Aggregator{Responses: []driverapi.AggregateResult{{Cursor: fc, WireVersion: 8}}}
	topo := csfake.NewTopology(true)

	cs, err := New(context.Background(), Config{
		Aggregator: agg,
		Topology:   topo,
		Classifier: csfake.NeverResumable,
		Domain:     csoptions.CollectionDomain,
	})
	require.NoError(t, err)

	_, err = cs.Next(context.Background())
	var uerr *cserrors.UnresumableError
	require.ErrorAs(t, err, &uerr)

	_, err = cs.Next(context.Background())
	var closed *cserrors.ClosedStreamError
	assert.ErrorAs(t, err, &closed)
}

func TestResumeAfterTransientErrorContinuesWithoutLoss(t *testing.T) {
	ev1 := mustEventRaw(t, "tok-1", "insert", nil)
	ev2 := mustEventRaw(t, "tok-2", "insert", nil)

	fc1 := csfake.NewCursor(1, driverapi.Batch{Documents: []bson.Raw{ev1}}, []csfake.Step{
		{Err: errors.New("transient")},
	})
	fc2 := csfake.NewCursor(2, driverapi.Batch{Documents: []bson.Raw{ev2}}, nil)

	agg := &csfake.Aggregator{Responses: []driverapi.AggregateResult{
		{Cursor: fc1, WireVersion: 8},
		{Cursor: fc2, WireVersion: 8},
	}}
	topo := csfake.NewTopology(true)

	cs, err := New(context.Background(), Config{
		Aggregator: agg,
		Topology:   topo,
		Classifier: csfake.AlwaysResumable,
		Domain:     csoptions.CollectionDomain,
	})
	require.NoError(t, err)

	first, err := cs.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, changeevent.Insert, first.OperationType)

	second, err := cs.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, changeevent.Insert, second.OperationType)

	pipelines := agg.Pipelines()
	require.Len(t, pipelines, 2)
	resumeStage := pipelines[1][0][0].Value.(bson.D)
	require.Len(t, resumeStage, 1)
	assert.Equal(t, "resumeAfter", resumeStage[0].Key)
	assert.Nil(t, cs.Err())
}

func TestStartAfterSemanticsAcrossResume(t *testing.T) {
	startAfter := mustRaw(t, bson.M{"_data": "T"})
	ev1 := mustEventRaw(t, "tok-1", "insert", nil)

	fc1 := csfake.NewCursor(1, driverapi.Batch{}, []csfake.Step{
		{Err: errors.New("transient-before-first-event")},
	})
	fc2 := csfake.NewCursor(2, driverapi.Batch{Documents: []bson.Raw{ev1}}, []csfake.Step{
		{Err: errors.New("transient-after-first-event")},
	})
	fc3 := csfake.NewCursor(3, driverapi.Batch{}, nil)

	agg := &csfake.Aggregator{Responses: []driverapi.AggregateResult{
		{Cursor: fc1, WireVersion: 8},
		{Cursor: fc2, WireVersion: 8},
		{Cursor: fc3, WireVersion: 8},
	}}
	topo := csfake.NewTopology(true)

	cs, err := New(context.Background(), Config{
		Aggregator: agg,
		Topology:   topo,
		Classifier: csfake.AlwaysResumable,
		Domain:     csoptions.CollectionDomain,
		Options:    csoptions.New().SetStartAfter(startAfter),
	})
	require.NoError(t, err)

	ev, err := cs.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, changeevent.Insert, ev.OperationType)

	pipelines := agg.Pipelines()
	require.Len(t, pipelines, 2)
	firstResumeStage := pipelines[1][0][0].Value.(bson.D)
	require.Len(t, firstResumeStage, 1)
	assert.Equal(t, "startAfter", firstResumeStage[0].Key)
	assert.Equal(t, startAfter, firstResumeStage[0].Value)

	ok, err := cs.HasNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	pipelines = agg.Pipelines()
	require.Len(t, pipelines, 3)
	secondResumeStage := pipelines[2][0][0].Value.(bson.D)
	require.Len(t, secondResumeStage, 1)
	assert.Equal(t, "resumeAfter", secondResumeStage[0].Key)
}

func TestHasReceivedSetWhenTokenComesFromPostBatchResumeToken(t *testing.T) {
	startAfter := mustRaw(t, bson.M{"_data": "T"})
	ev1 := mustEventRaw(t, "tok-1", "insert", nil)
	pbrt := mustRaw(t, bson.M{"_data": "pbrt-1"})

	fc1 := csfake.NewCursor(1, driverapi.Batch{Documents: []bson.Raw{ev1}, PostBatchResumeToken: pbrt}, []csfake.Step{
		{Err: errors.New("transient-after-first-event")},
	})
	fc2 := csfake.NewCursor(2, driverapi.Batch{}, nil)

	agg := &csfake.Aggregator{Responses: []driverapi.AggregateResult{
		{Cursor: fc1, WireVersion: 8},
		{Cursor: fc2, WireVersion: 8},
	}}
	topo := csfake.NewTopology(true)

	cs, err := New(context.Background(), Config{
		Aggregator: agg,
		Topology:   topo,
		Classifier: csfake.AlwaysResumable,
		Domain:     csoptions.CollectionDomain,
		Options:    csoptions.New().SetStartAfter(startAfter),
	})
	require.NoError(t, err)

	// The only event in the initial batch is delivered via the post-batch
	// resume token path (batch drains on the same iteration a PBRT is
	// present), not via its own _id.
	ev, err := cs.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, changeevent.Insert, ev.OperationType)

	_, err = cs.Next(context.Background())
	require.Error(t, err)

	pipelines := agg.Pipelines()
	require.Len(t, pipelines, 2)
	resumeStage := pipelines[1][0][0].Value.(bson.D)
	require.Len(t, resumeStage, 1)
	assert.Equal(t, "resumeAfter", resumeStage[0].Key)
}

func TestCloseInterruptsBlockingNext(t *testing.T) {
	fc := csfake.NewCursor(1, driverapi.Batch{}, []csfake.Step{
		{Block: make(chan struct{})},
	})
	agg := &csfake.Aggregator{Responses: []driverapi.AggregateResult{{Cursor: fc, WireVersion: 8}}}
	cs, err := New(context.Background(), Config{
		Aggregator: agg,
		Topology:   csfake.NewTopology(true),
		Classifier: csfake.AlwaysResumable,
		Domain:     csoptions.CollectionDomain,
	})
	require.NoError(t, err)

	nextDone := make(chan error, 1)
	go func() {
		_, err := cs.Next(context.Background())
		nextDone <- err
	}()

	// Give the blocking Next a moment to actually enter cur.Next before
	// closing, so this exercises interruption of an in-flight call rather
	// than racing the closed check at the top of fetch.
	time.Sleep(20 * time.Millisecond)

	closeDone := make(chan struct{})
	go func() {
		require.NoError(t, cs.Close(context.Background()))
		close(closeDone)
	}()

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while a blocking Next was in flight")
	}

	select {
	case err := <-nextDone:
		var closed *cserrors.ClosedStreamError
		assert.ErrorAs(t, err, &closed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Next did not unblock after Close")
	}
}

func TestTryNextReturnsNilWithoutBlockingWhenNothingBuffered(t *testing.T) {
	fc := csfake.NewCursor(7, driverapi.Batch{}, []csfake.Step{
		{Batch: driverapi.Batch{}},
	})
	agg := &csfake.Aggregator{Responses: []driverapi.AggregateResult{{Cursor: fc, WireVersion: 8}}}
	cs, err := New(context.Background(), Config{
		Aggregator: agg,
		Topology:   csfake.NewTopology(true),
		Classifier: csfake.AlwaysResumable,
		Domain:     csoptions.CollectionDomain,
	})
	require.NoError(t, err)

	ev, err := cs.TryNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.False(t, cs.closed)
}

func TestImplicitCloseOnNullSentinel(t *testing.T) {
	cs, _, _, _ := newTestStream(t, driverapi.Batch{}, nil)

	_, err := cs.Next(context.Background())
	var closed *cserrors.ClosedStreamError
	require.ErrorAs(t, err, &closed)
	assert.Nil(t, cs.Err())
}

func TestInvalidParentErrorAtConstruction(t *testing.T) {
	_, err := New(context.Background(), Config{Domain: csoptions.Domain(99)})
	var invalid *cserrors.InvalidParentError
	assert.ErrorAs(t, err, &invalid)
}

func TestStreamWithoutCursorReturnsNoCursorError(t *testing.T) {
	cs, _, _, _ := newTestStream(t, driverapi.Batch{}, nil)
	require.NoError(t, cs.Close(context.Background()))

	_, err := cs.Stream(context.Background())
	var noCursor *cserrors.NoCursorError
	assert.ErrorAs(t, err, &noCursor)
}

func TestStreamEmitsEventsInEmitterMode(t *testing.T) {
	ev1 := mustEventRaw(t, "1", "insert", nil)
	cs, _, _, _ := newTestStream(t, driverapi.Batch{Documents: []bson.Raw{ev1}}, nil)

	brg, err := cs.Stream(context.Background())
	require.NoError(t, err)

	select {
	case ev := <-brg.Changes():
		require.NotNil(t, ev)
		assert.Equal(t, changeevent.Insert, ev.OperationType)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emitted event")
	}
}
