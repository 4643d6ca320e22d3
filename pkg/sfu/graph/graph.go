// Package graph implements the Subscription Graph: for each (publisher
// track, subscriber) pair an Edge carrying forwarding state.
//
// Edges for a track are kept in an insertion-ordered map
// (github.com/elliotchance/orderedmap/v2) so the Media Router's fan-out
// iterates subscribers in subscribe order. The per-track map itself is swapped
// copy-on-write, same epoch-style pattern as pkg/sfu/registry, so a
// router goroutine iterating edges_for(track) never blocks a concurrent
// subscribe/unsubscribe and never observes a torn edge set.
package graph

import (
	"sync"

	omap "github.com/elliotchance/orderedmap/v2"
	"go.uber.org/atomic"

	"github.com/livekit/sfu-core/pkg/sfu/types"
)

type edgeSet = omap.OrderedMap[types.SessionId, *Edge]

type snapshot struct {
	byTrack map[types.TrackId]*edgeSet
}

// OnSubscriptionCreated is invoked after an edge is durably added to the
// graph, so the Media Router can schedule a keyframe replay without
// holding any graph lock.
type OnSubscriptionCreated func(e *Edge)

// Graph is safe for concurrent use. EdgesFor is wait-free.
type Graph struct {
	cur     atomic.Value // *snapshot
	writeMu sync.Mutex

	onSubscriptionCreated OnSubscriptionCreated
}

func New() *Graph {
	g := &Graph{}
	g.cur.Store(&snapshot{byTrack: map[types.TrackId]*edgeSet{}})
	return g
}

func (g *Graph) OnSubscriptionCreated(fn OnSubscriptionCreated) {
	g.onSubscriptionCreated = fn
}

func (g *Graph) load() *snapshot {
	return g.cur.Load().(*snapshot)
}

// Subscribe creates an edge for (track, subscriber). Fails with
// ErrAlreadySubscribed if the pair already has an edge; quota is
// enforced by the caller (Session Manager) before reaching this call, so
// QuotaExceeded is never returned from here.
func (g *Graph) Subscribe(track types.TrackId, subscriber types.SessionId, newEdge *Edge) (*Edge, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	old := g.load()
	next := make(map[types.TrackId]*edgeSet, len(old.byTrack))
	for k, v := range old.byTrack {
		next[k] = v
	}

	set, ok := next[track]
	if !ok {
		set = omap.NewOrderedMap[types.SessionId, *Edge]()
	} else {
		if _, exists := set.Get(subscriber); exists {
			return nil, types.ErrAlreadySubscribed
		}
		set = cloneEdgeSet(set)
	}
	set.Set(subscriber, newEdge)
	next[track] = set

	g.cur.Store(&snapshot{byTrack: next})

	if g.onSubscriptionCreated != nil {
		g.onSubscriptionCreated(newEdge)
	}
	return newEdge, nil
}

// Unsubscribe removes the edge for (track, subscriber) and closes it.
// Idempotent: unsubscribing a pair with no edge is a no-op.
func (g *Graph) Unsubscribe(track types.TrackId, subscriber types.SessionId) {
	g.writeMu.Lock()
	old := g.load()
	set, ok := old.byTrack[track]
	if !ok {
		g.writeMu.Unlock()
		return
	}
	edge, ok := set.Get(subscriber)
	if !ok {
		g.writeMu.Unlock()
		return
	}

	next := make(map[types.TrackId]*edgeSet, len(old.byTrack))
	for k, v := range old.byTrack {
		next[k] = v
	}
	newSet := cloneEdgeSet(set)
	newSet.Delete(subscriber)
	if newSet.Len() == 0 {
		delete(next, track)
	} else {
		next[track] = newSet
	}
	g.cur.Store(&snapshot{byTrack: next})
	g.writeMu.Unlock()

	edge.Close()
}

// RemoveTrack tears down every edge subscribed to track, e.g. on
// publisher unpublish/disconnect.
// Returns the removed edges so the caller can emit PublisherLeft events.
func (g *Graph) RemoveTrack(track types.TrackId) []*Edge {
	g.writeMu.Lock()
	old := g.load()
	set, ok := old.byTrack[track]
	if !ok {
		g.writeMu.Unlock()
		return nil
	}
	next := make(map[types.TrackId]*edgeSet, len(old.byTrack))
	for k, v := range old.byTrack {
		if k != track {
			next[k] = v
		}
	}
	g.cur.Store(&snapshot{byTrack: next})
	g.writeMu.Unlock()

	edges := make([]*Edge, 0, set.Len())
	for el := set.Front(); el != nil; el = el.Next() {
		edges = append(edges, el.Value)
	}
	for _, e := range edges {
		e.Close()
	}
	return edges
}

// RemoveSubscriber tears down every edge subscribing that session,
// across all tracks, e.g. on subscriber disconnect.
func (g *Graph) RemoveSubscriber(subscriber types.SessionId, subscriptions []types.EdgeKey) {
	for _, key := range subscriptions {
		g.Unsubscribe(key.Track, subscriber)
	}
}

// EdgesFor returns the edges subscribed to track, in subscribe order.
// Never blocks a concurrent writer.
func (g *Graph) EdgesFor(track types.TrackId) []*Edge {
	set, ok := g.load().byTrack[track]
	if !ok {
		return nil
	}
	out := make([]*Edge, 0, set.Len())
	for el := set.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// Edge returns the single edge for (track, subscriber), if any.
func (g *Graph) Edge(track types.TrackId, subscriber types.SessionId) (*Edge, bool) {
	set, ok := g.load().byTrack[track]
	if !ok {
		return nil, false
	}
	return set.Get(subscriber)
}

func cloneEdgeSet(src *edgeSet) *edgeSet {
	dst := omap.NewOrderedMap[types.SessionId, *Edge]()
	for el := src.Front(); el != nil; el = el.Next() {
		dst.Set(el.Key, el.Value)
	}
	return dst
}
