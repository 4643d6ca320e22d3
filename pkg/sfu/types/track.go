package types

import (
	"sync"

	"go.uber.org/atomic"
)

// PublishedTrack is the canonical record for a track a publisher has
// announced. Layer config is mutated only by the publisher (AnnounceLayers);
// ingress counters are mutated by the router, and MalformedIngress and
// AggregateBitrate by cmd/sfu-server. Subscriber set membership is
// owned by pkg/sfu/graph, not here — PublishedTrack never enumerates its
// own edges to avoid a second, divergent source of truth.
type PublishedTrack struct {
	ID      TrackId
	Owner   SessionId
	Kind    MediaKind
	Codec   CodecDescriptor

	mu     sync.RWMutex
	layers []*Layer // empty for non-simulcast tracks

	AggregateBitrate atomic.Int64
	DroppedIngress   atomic.Uint64
	MalformedIngress atomic.Uint64
	IngressPackets   atomic.Uint64
	IngressBytes     atomic.Uint64
}

// NewPublishedTrack constructs a track with no layers; simulcast tracks
// call AnnounceLayers once the publisher has negotiated its encodings.
func NewPublishedTrack(id TrackId, owner SessionId, kind MediaKind, codec CodecDescriptor) *PublishedTrack {
	return &PublishedTrack{ID: id, Owner: owner, Kind: kind, Codec: codec}
}

// AnnounceLayers replaces the track's layer descriptors. A track with no
// layers behaves as non-simulcast: every packet belongs to the implicit
// layer (0,0).
func (t *PublishedTrack) AnnounceLayers(layers []*Layer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.layers = layers
}

// Layers returns a snapshot of the track's current layer descriptors.
func (t *PublishedTrack) Layers() []*Layer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Layer, len(t.layers))
	copy(out, t.layers)
	return out
}

// IsSimulcast reports whether the track has at least one announced layer.
func (t *PublishedTrack) IsSimulcast() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.layers) > 0
}

// Layer returns the descriptor for the given coordinate, or nil if it
// isn't a layer this track announced.
func (t *PublishedTrack) Layer(id LayerID) *Layer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, l := range t.layers {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// SetActiveLayers marks exactly the given coordinates active and every
// other announced layer inactive, driven by a publisher's availability
// update when it pauses or resumes simulcast encodings.
func (t *PublishedTrack) SetActiveLayers(active []LayerID) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	want := make(map[LayerID]bool, len(active))
	for _, id := range active {
		want[id] = true
	}
	for _, l := range t.layers {
		l.Active.Store(want[l.ID])
	}
}

// MaxLayer returns the highest-quality active layer, or InvalidLayer if
// the track has no layers (non-simulcast).
func (t *PublishedTrack) MaxLayer() LayerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best := InvalidLayer
	for _, l := range t.layers {
		if !l.Active.Load() {
			continue
		}
		if !best.IsValid() || l.ID.GreaterThan(best) {
			best = l.ID
		}
	}
	return best
}
