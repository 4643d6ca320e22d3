// Package session implements the Session Manager: participant
// admission, published-track and subscription lifecycle, and cascading
// teardown when a participant disconnects.
//
// Teardown work (closing N subscriber edges, releasing their queued
// packets) runs on a small worker pool instead of inline in the
// disconnect handler, the same shape pkg/sfu/receiver.go uses for NACK
// retransmission: a single-worker pool serializes the work without
// blocking whoever triggered it. Shutdown of the manager itself uses
// frostbyte73/core.Fuse for cooperative, idempotent cancellation, the
// pattern pkg/rtc/participant_metrics.go uses to stop its own loop.
package session

import (
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/go-logr/logr"

	"github.com/livekit/sfu-core/pkg/sfu/graph"
	"github.com/livekit/sfu-core/pkg/sfu/registry"
	"github.com/livekit/sfu-core/pkg/sfu/selector"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// Limits are the admission/quota knobs enforced by the Session Manager.
type Limits struct {
	MaxParticipants     int
	MaxSubscriptionsPer int
	EgressQueueDepth    int
}

// OnParticipantRemoved is invoked after a participant's state has been
// fully torn down, so callers (e.g. the transport layer) can close the
// underlying connection.
type OnParticipantRemoved func(id types.SessionId)

// OnPublisherLeft is invoked once per subscriber edge when that edge's
// publisher track is unpublished, so the caller can notify the
// subscriber's client (e.g. over its feedback substream). The edge has
// already been closed and removed from the graph when this runs.
type OnPublisherLeft func(edge *graph.Edge)

// Manager owns the set of live participants and coordinates their
// published tracks and subscriptions against the Track Registry and
// Subscription Graph.
type Manager struct {
	limits   Limits
	registry *registry.Registry
	graph    *graph.Graph
	selector *selector.Selector
	logger   logr.Logger

	teardown *workerpool.WorkerPool
	stop     core.Fuse

	mu           sync.RWMutex
	participants map[types.SessionId]*types.Participant

	onRemoved       OnParticipantRemoved
	onPublisherLeft OnPublisherLeft
}

func New(limits Limits, reg *registry.Registry, g *graph.Graph, sel *selector.Selector, onRemoved OnParticipantRemoved, onPublisherLeft OnPublisherLeft, logger logr.Logger) *Manager {
	return &Manager{
		limits:          limits,
		registry:        reg,
		graph:           g,
		selector:        sel,
		logger:          logger,
		teardown:        workerpool.New(1),
		stop:            core.NewFuse(),
		participants:    make(map[types.SessionId]*types.Participant),
		onRemoved:       onRemoved,
		onPublisherLeft: onPublisherLeft,
	}
}

// Admit registers a new participant, failing QuotaExceeded once
// limits.MaxParticipants is reached.
func (m *Manager) Admit(id types.SessionId, transport types.Transport) (*types.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.MaxParticipants > 0 && len(m.participants) >= m.limits.MaxParticipants {
		return nil, types.ErrQuotaExceeded
	}
	if _, exists := m.participants[id]; exists {
		return m.participants[id], nil
	}

	p := types.NewParticipant(id, transport)
	m.participants[id] = p
	return p, nil
}

func (m *Manager) Participant(id types.SessionId) (*types.Participant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	return p, ok
}

// Publish registers a track owned by participant and records it on the
// participant's published set.
func (m *Manager) Publish(owner types.SessionId, track *types.PublishedTrack) error {
	p, ok := m.Participant(owner)
	if !ok {
		return types.ErrNoSuchSubscriber
	}
	if err := m.registry.Register(track); err != nil {
		return err
	}
	p.AddPublishedTrack(track)
	return nil
}

// Subscribe creates an edge for (trackID, subscriber), enforcing the
// per-participant subscription quota before touching the graph.
func (m *Manager) Subscribe(subscriber types.SessionId, trackID types.TrackId, newEdge *graph.Edge) (*graph.Edge, error) {
	p, ok := m.Participant(subscriber)
	if !ok {
		return nil, types.ErrNoSuchSubscriber
	}
	if m.limits.MaxSubscriptionsPer > 0 && p.SubscriptionCount() >= m.limits.MaxSubscriptionsPer {
		return nil, types.ErrQuotaExceeded
	}
	edge, err := m.graph.Subscribe(trackID, subscriber, newEdge)
	if err != nil {
		return nil, err
	}
	p.AddSubscription(types.EdgeKey{Publisher: newEdge.Publisher, Track: trackID})
	return edge, nil
}

func (m *Manager) Unsubscribe(subscriber types.SessionId, trackID types.TrackId) {
	p, ok := m.Participant(subscriber)
	if !ok {
		return
	}
	edge, hasEdge := m.graph.Edge(trackID, subscriber)
	m.graph.Unsubscribe(trackID, subscriber)
	if hasEdge {
		p.RemoveSubscription(types.EdgeKey{Publisher: edge.Publisher, Track: trackID})
		m.selector.Forget(edge)
	}
}

// Unpublish removes a track and cascades teardown to its subscribers:
// peer-gone is propagated to each subscriber's edge (via onPublisherLeft)
// rather than returned as an error.
func (m *Manager) Unpublish(trackID types.TrackId) {
	m.registry.Unregister(trackID)
	edges := m.graph.RemoveTrack(trackID)
	for _, e := range edges {
		m.selector.Forget(e)
		if m.onPublisherLeft != nil {
			m.onPublisherLeft(e)
		}
	}
}

// RemoveParticipant tears down everything a participant owns: its
// published tracks (cascading to their subscribers) and its own
// subscriptions. Teardown runs on the single-worker teardown pool so a
// slow disconnect handler never blocks the caller; idempotent if called
// twice for the same id.
func (m *Manager) RemoveParticipant(id types.SessionId) {
	m.mu.Lock()
	p, ok := m.participants[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.participants, id)
	m.mu.Unlock()

	m.teardown.Submit(func() {
		for _, t := range p.PublishedTracks() {
			m.Unpublish(t.ID)
		}
		for _, key := range p.Subscriptions() {
			m.Unsubscribe(id, key.Track)
		}
		if m.onRemoved != nil {
			m.onRemoved(id)
		}
	})
}

// Shutdown stops admitting new teardown work and waits for the pool to
// drain. Safe to call more than once.
func (m *Manager) Shutdown() {
	if m.stop.IsBroken() {
		return
	}
	m.stop.Break()
	m.teardown.StopWait()
}

func (m *Manager) ParticipantCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.participants)
}
