package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/sfu-core/pkg/sfu/graph"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

func noopSend(ctx context.Context, out graph.Outbound) error { return nil }

func TestSubscribeUnsubscribe(t *testing.T) {
	g := graph.New()
	edge := graph.NewEdge(1, 2, 10, 4, noopSend)

	got, err := g.Subscribe(10, 2, edge)
	require.NoError(t, err)
	assert.Same(t, edge, got)

	again, ok := g.Edge(10, 2)
	require.True(t, ok)
	assert.Same(t, edge, again)

	_, err = g.Subscribe(10, 2, graph.NewEdge(1, 2, 10, 4, noopSend))
	assert.ErrorIs(t, err, types.ErrAlreadySubscribed)

	g.Unsubscribe(10, 2)
	_, ok = g.Edge(10, 2)
	assert.False(t, ok)
	assert.Equal(t, types.EdgeStateClosed, edge.State())
}

func TestEdgesForPreservesSubscribeOrder(t *testing.T) {
	g := graph.New()
	e1 := graph.NewEdge(1, 2, 10, 4, noopSend)
	e2 := graph.NewEdge(1, 3, 10, 4, noopSend)
	_, err := g.Subscribe(10, 2, e1)
	require.NoError(t, err)
	_, err = g.Subscribe(10, 3, e2)
	require.NoError(t, err)

	edges := g.EdgesFor(10)
	require.Len(t, edges, 2)
	assert.Same(t, e1, edges[0])
	assert.Same(t, e2, edges[1])
}

func TestRemoveTrackClosesAllEdges(t *testing.T) {
	g := graph.New()
	e1 := graph.NewEdge(1, 2, 10, 4, noopSend)
	e2 := graph.NewEdge(1, 3, 10, 4, noopSend)
	_, err := g.Subscribe(10, 2, e1)
	require.NoError(t, err)
	_, err = g.Subscribe(10, 3, e2)
	require.NoError(t, err)

	removed := g.RemoveTrack(10)
	assert.Len(t, removed, 2)
	assert.True(t, e1.Closed())
	assert.True(t, e2.Closed())
	assert.Empty(t, g.EdgesFor(10))
}

func TestOnSubscriptionCreatedCallback(t *testing.T) {
	g := graph.New()
	var got *graph.Edge
	g.OnSubscriptionCreated(func(e *graph.Edge) { got = e })

	edge := graph.NewEdge(1, 2, 10, 4, noopSend)
	_, err := g.Subscribe(10, 2, edge)
	require.NoError(t, err)
	assert.Same(t, edge, got)
}

func TestEdgeTryEnqueueDequeue(t *testing.T) {
	edge := graph.NewEdge(1, 2, 10, 2, noopSend)

	ok := edge.TryEnqueue(graph.Outbound{Sequence: 1})
	require.True(t, ok)
	ok = edge.TryEnqueue(graph.Outbound{Sequence: 2})
	require.True(t, ok)

	// Queue depth 2 is now full.
	ok = edge.TryEnqueue(graph.Outbound{Sequence: 3})
	assert.False(t, ok)
	assert.EqualValues(t, 1, edge.DropCount())

	out, ok := edge.Dequeue()
	require.True(t, ok)
	assert.EqualValues(t, 1, out.Sequence)
}

func TestEdgeCloseDrainsQueue(t *testing.T) {
	edge := graph.NewEdge(1, 2, 10, 4, noopSend)
	edge.TryEnqueue(graph.Outbound{Sequence: 1})
	edge.TryEnqueue(graph.Outbound{Sequence: 2})

	edge.Close()
	assert.True(t, edge.Closed())

	_, ok := edge.Dequeue()
	assert.False(t, ok)

	// Closing twice must not panic or double-drain.
	assert.NotPanics(t, edge.Close)
}

func TestEdgeDequeueBlocksUntilEnqueueOrClose(t *testing.T) {
	edge := graph.NewEdge(1, 2, 10, 4, noopSend)
	done := make(chan graph.Outbound, 1)
	go func() {
		out, ok := edge.Dequeue()
		if ok {
			done <- out
		} else {
			close(done)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	edge.TryEnqueue(graph.Outbound{Sequence: 7})

	select {
	case out := <-done:
		assert.EqualValues(t, 7, out.Sequence)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not observe enqueued item")
	}
}

func TestEdgeTimestampOffset(t *testing.T) {
	edge := graph.NewEdge(1, 2, 10, 4, noopSend)
	assert.False(t, edge.HasOffset())

	edge.ResetOffset(1000, 5000)
	assert.True(t, edge.HasOffset())
	assert.EqualValues(t, 5000, edge.RewriteTimestamp(1000))
	assert.EqualValues(t, 5010, edge.RewriteTimestamp(1010))
}

func TestEdgePLICoalescing(t *testing.T) {
	edge := graph.NewEdge(1, 2, 10, 4, noopSend)

	assert.True(t, edge.RequestPLI(time.Minute))
	assert.True(t, edge.PLIOutstanding())
	// A second request within the timeout window is coalesced.
	assert.False(t, edge.RequestPLI(time.Minute))

	edge.ClearPLI()
	assert.False(t, edge.PLIOutstanding())
	assert.True(t, edge.RequestPLI(time.Minute))
}

func TestEdgeFailureBudget(t *testing.T) {
	edge := graph.NewEdge(1, 2, 10, 4, noopSend)
	for i := 0; i < graph.FailureBudget-1; i++ {
		assert.False(t, edge.RecordFailure())
	}
	assert.True(t, edge.RecordFailure())
	assert.True(t, edge.Degraded())

	edge.RecordSuccess()
	assert.False(t, edge.Degraded())
}
