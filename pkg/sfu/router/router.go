// Package router implements the Media Router: the per-packet ingress
// path that resolves a track and layer, decides which edges a packet is
// forwarded to, rewrites sequence numbers and timestamps per edge, and
// maintains the keyframe cache used for late-subscriber replay.
//
// The router is deliberately not a serialized actor: it is a pure
// function of the Track Registry's and Subscription Graph's current
// snapshots plus each Edge's own atomics, so many ingress goroutines can
// route different tracks' packets concurrently without contending on a
// shared lock.
package router

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/rtp"

	"github.com/go-logr/logr"

	"github.com/livekit/sfu-core/pkg/sfu/codec"
	"github.com/livekit/sfu-core/pkg/sfu/graph"
	"github.com/livekit/sfu-core/pkg/sfu/packetpool"
	"github.com/livekit/sfu-core/pkg/sfu/registry"
	"github.com/livekit/sfu-core/pkg/sfu/selector"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// RequestUpstreamPLI is called when a subscriber edge needs a keyframe
// the router's cache doesn't have, so the caller can forward a PLI to
// the publisher over the feedback channel.
type RequestUpstreamPLI func(track types.TrackId, spatial int32)

type cacheKey struct {
	track   types.TrackId
	spatial int32
}

// DefaultKeyframeCacheSize bounds the number of distinct (track, spatial
// layer) keyframes held at once; one slot per actively simulcasting
// spatial layer in the SFU is the working set this sizes for.
const DefaultKeyframeCacheSize = 4096

// Router is safe for concurrent use by multiple ingress goroutines, one
// per published track is the expected shape, though nothing here
// requires that.
type Router struct {
	pool      *packetpool.Pool
	registry  *registry.Registry
	graph     *graph.Graph
	codecs    *codec.Registry
	selector  *selector.Selector
	keyframes *lru.Cache[cacheKey, *packetpool.Packet]

	pliTimeout time.Duration
	onPLI      RequestUpstreamPLI
	logger     logr.Logger

	onIngressDrop   func()
	onPoolExhausted func()
}

type Params struct {
	Pool       *packetpool.Pool
	Registry   *registry.Registry
	Graph      *graph.Graph
	Codecs     *codec.Registry
	Selector   *selector.Selector
	PLITimeout time.Duration
	OnPLI      RequestUpstreamPLI
	Logger     logr.Logger
}

func New(p Params) *Router {
	cache, _ := lru.NewWithEvict[cacheKey, *packetpool.Packet](DefaultKeyframeCacheSize, func(_ cacheKey, pkt *packetpool.Packet) {
		pkt.Release()
	})
	r := &Router{
		pool:       p.Pool,
		registry:   p.Registry,
		graph:      p.Graph,
		codecs:     p.Codecs,
		selector:   p.Selector,
		keyframes:  cache,
		pliTimeout: p.PLITimeout,
		onPLI:      p.OnPLI,
		logger:     p.Logger,
	}
	r.graph.OnSubscriptionCreated(r.onSubscribed)
	return r
}

// OnStats registers counters for the Stats Collector; both callbacks are
// optional and may be left unset in tests.
func (r *Router) OnStats(onIngressDrop, onPoolExhausted func()) {
	r.onIngressDrop = onIngressDrop
	r.onPoolExhausted = onPoolExhausted
}

// Route is the ingress entry point: one call per RTP packet received for
// a published track. It never blocks on a subscriber's transport — a
// full edge queue is dropped, never the shared ingress path.
func (r *Router) Route(trackID types.TrackId, pkt *rtp.Packet, now time.Time) error {
	track, err := r.registry.Lookup(trackID)
	if err != nil {
		return err
	}

	var layer types.LayerID
	var isKeyframe bool
	if capability := r.codecs.Lookup(track.Codec.PayloadType); capability != nil {
		isKeyframe = capability.IsKeyframe(pkt)
		if track.IsSimulcast() {
			layer = capability.ExtractLayer(pkt)
		}
	}
	switchingPoint := codec.IsSwitchingPoint(pkt)
	if !layer.IsValid() {
		layer = types.LayerID{Spatial: 0, Temporal: 0}
	}

	pooled, ok := r.pool.Get(pkt.Payload)
	if !ok {
		track.DroppedIngress.Inc()
		if r.onPoolExhausted != nil {
			r.onPoolExhausted()
		}
		if r.onIngressDrop != nil {
			r.onIngressDrop()
		}
		return types.ErrPoolExhausted
	}
	pooled.Sequence = pkt.SequenceNumber
	pooled.Timestamp = pkt.Timestamp
	pooled.SSRC = pkt.SSRC
	pooled.PayloadType = pkt.PayloadType
	pooled.Keyframe = isKeyframe
	pooled.SwitchingPoint = switchingPoint
	pooled.Layer = layer
	pooled.Track = trackID

	track.IngressPackets.Inc()
	track.IngressBytes.Add(uint64(len(pooled.Bytes())))

	if isKeyframe {
		r.cacheKeyframe(track, layer, pooled, now)
	}

	for _, e := range r.graph.EdgesFor(trackID) {
		r.forward(e, track, pooled, now)
	}

	pooled.Release()
	return nil
}

func (r *Router) cacheKeyframe(track *types.PublishedTrack, layer types.LayerID, pkt *packetpool.Packet, now time.Time) {
	pkt.Retain()
	key := cacheKey{track.ID, layer.Spatial}
	if old, ok := r.keyframes.Get(key); ok {
		old.Release()
	}
	r.keyframes.Add(key, pkt)
	if l := track.Layer(layer); l != nil {
		l.LastKeyframeAt.Store(now.UnixNano())
	}
}

// forward applies the forward/drop decision for one edge and, if
// forwarded, rewrites sequence/timestamp and enqueues onto the edge.
func (r *Router) forward(e *graph.Edge, track *types.PublishedTrack, pkt *packetpool.Packet, now time.Time) {
	selected := e.SelectedLayer()
	if !selected.IsValid() {
		return
	}
	if pkt.Layer.Spatial != selected.Spatial {
		return
	}
	if pkt.Layer.Temporal > selected.Temporal {
		e.CountDrop()
		return
	}

	switch e.State() {
	case types.EdgeStateInitializing, types.EdgeStateUpshifting:
		// A spatial upshift needs a fresh keyframe, since it switches
		// reference frames entirely. A switching-point packet is
		// sufficient when the packet's own layer matches what we're
		// already forwarding (a pure temporal upshift), since temporal
		// layer t always depends only on layers 0..t-1 of the same GOP.
		if !pkt.Keyframe && !(pkt.SwitchingPoint && pkt.Layer.Spatial == selected.Spatial) {
			return
		}
		e.ResetOffset(pkt.Timestamp, pkt.Timestamp)
		e.ClearPLI()
		e.SetState(types.EdgeStateActive)
	case types.EdgeStateDownshifting:
		if pkt.Keyframe {
			e.ClearPLI()
			e.SetState(types.EdgeStateActive)
		}
	case types.EdgeStateClosed:
		return
	}

	if !e.HasOffset() {
		e.ResetOffset(pkt.Timestamp, pkt.Timestamp)
	}

	out := graph.Outbound{
		Packet:    pkt,
		Sequence:  e.NextSequence(),
		Timestamp: e.RewriteTimestamp(pkt.Timestamp),
	}
	pkt.Retain()
	if !e.TryEnqueue(out) {
		pkt.Release()
	}
}

// onSubscribed runs once a new edge is durably added to the graph: it
// seeds the layer selection and, for a track with at least one announced
// layer, either replays a cached keyframe or issues a PLI so one arrives
// soon. A track with no announced layers, video included, goes straight
// to Active: no cached keyframe is replayed and no PLI is issued.
func (r *Router) onSubscribed(e *graph.Edge) {
	track, err := r.registry.Lookup(e.Track)
	if err != nil {
		return
	}
	layers := track.Layers()
	r.selector.Evaluate(e, layers, time.Now())

	if !track.IsSimulcast() {
		e.SetState(types.EdgeStateActive)
		return
	}

	selected := e.SelectedLayer()
	key := cacheKey{track.ID, selected.Spatial}
	pkt, ok := r.keyframes.Get(key)
	if !ok {
		e.SetState(types.EdgeStateUpshifting)
		if e.RequestPLI(r.pliTimeout) && r.onPLI != nil {
			r.onPLI(e.Track, selected.Spatial)
		}
		return
	}

	pkt.Retain()
	e.ResetOffset(pkt.Timestamp, pkt.Timestamp)
	out := graph.Outbound{
		Packet:    pkt,
		Sequence:  e.NextSequence(),
		Timestamp: e.RewriteTimestamp(pkt.Timestamp),
	}
	if !e.TryEnqueue(out) {
		pkt.Release()
	}
	e.SetState(types.EdgeStateActive)
}
