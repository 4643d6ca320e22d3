// Package feedback implements the Feedback Processor: decodes inbound
// wire records and applies them to the right edge or track, rate-limited
// so a chatty subscriber cannot flood the selector with updates.
//
// Coalescing is built on github.com/bep/debounce, a trailing-edge
// debounce: each (edge,
// kind) pair gets its own debounced apply call, so a burst of same-kind
// records collapses into exactly one application of the latest record,
// which is the coalescing rule asked for ("processing [A, B] yields the
// same state as processing [B] alone"). PictureLossIndication bypasses
// debouncing entirely — it is latency sensitive and already coalesces
// through Edge.RequestPLI's own outstanding-flag.
package feedback

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/go-logr/logr"

	"github.com/livekit/sfu-core/pkg/sfu/graph"
	"github.com/livekit/sfu-core/pkg/sfu/registry"
	"github.com/livekit/sfu-core/pkg/sfu/selector"
	"github.com/livekit/sfu-core/pkg/sfu/types"
	"github.com/livekit/sfu-core/pkg/sfu/wire"
)

// CoalesceWindow is the debounce window per (edge, kind); at most one
// application every window, which keeps steady-state throughput at or
// below the target of 10 messages/second per edge.
const CoalesceWindow = 100 * time.Millisecond

// RequestUpstreamPLI is called once per coalesced PLI that the processor
// decides must actually be forwarded to the publisher.
type RequestUpstreamPLI func(track types.TrackId, spatial int32)

// OnSenderReport is called with publisher-side stats; the caller decides
// where to record them (Stats Collector).
type OnSenderReport func(track types.TrackId, report wire.SenderReport)

// OnSubscribeRequest is called when a subscriber asks to receive a track,
// the control-plane stand-in for a signalling-layer subscribe call. The
// caller is responsible for admission (Session Manager) and for opening
// the egress substream the new edge will send on.
type OnSubscribeRequest func(subscriber types.SessionId, track types.TrackId)

// OnUnsubscribeRequest is called when a subscriber asks to stop receiving
// a track.
type OnUnsubscribeRequest func(subscriber types.SessionId, track types.TrackId)

type debounceKey struct {
	track      types.TrackId
	subscriber types.SessionId
	kind       wire.Kind
}

// Processor decodes and applies feedback for every edge in one SFU.
type Processor struct {
	graph    *graph.Graph
	registry *registry.Registry
	selector *selector.Selector
	logger   logr.Logger

	pliTimeout    time.Duration
	onPLI         RequestUpstreamPLI
	onSender      OnSenderReport
	onSubscribe   OnSubscribeRequest
	onUnsubscribe OnUnsubscribeRequest

	mu         sync.Mutex
	debouncers map[debounceKey]func(func())
}

type Params struct {
	Graph          *graph.Graph
	Registry       *registry.Registry
	Selector       *selector.Selector
	PLITimeout     time.Duration
	OnPLI          RequestUpstreamPLI
	OnSenderReport OnSenderReport
	OnSubscribe    OnSubscribeRequest
	OnUnsubscribe  OnUnsubscribeRequest
	Logger         logr.Logger
}

func New(p Params) *Processor {
	return &Processor{
		graph:         p.Graph,
		registry:      p.Registry,
		selector:      p.Selector,
		logger:        p.Logger,
		pliTimeout:    p.PLITimeout,
		onPLI:         p.OnPLI,
		onSender:      p.OnSenderReport,
		onSubscribe:   p.OnSubscribe,
		onUnsubscribe: p.OnUnsubscribe,
		debouncers:    make(map[debounceKey]func(func())),
	}
}

func (p *Processor) debouncerFor(key debounceKey) func(func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.debouncers[key]
	if !ok {
		d = debounce.New(CoalesceWindow)
		p.debouncers[key] = d
	}
	return d
}

// Forget drops every debouncer for (track, subscriber), called on edge
// teardown so stale entries don't accumulate across the SFU's lifetime.
func (p *Processor) Forget(track types.TrackId, subscriber types.SessionId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.debouncers {
		if k.track == track && k.subscriber == subscriber {
			delete(p.debouncers, k)
		}
	}
}

// Handle decodes every record in buf in order and applies it. Decoding
// stops at the first malformed record and its error
// (types.ErrMalformedPacket) is returned; records already applied stay
// applied. No counter is kept for malformed feedback.
func (p *Processor) Handle(subscriber types.SessionId, buf []byte) error {
	for len(buf) > 0 {
		msg, n, err := wire.Decode(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
		p.dispatch(subscriber, msg)
	}
	return nil
}

func (p *Processor) dispatch(subscriber types.SessionId, msg any) {
	switch m := msg.(type) {
	case wire.ReceiverReport:
		edge, ok := p.graph.Edge(m.Track, subscriber)
		if !ok {
			return
		}
		key := debounceKey{m.Track, subscriber, wire.KindReceiverReport}
		p.debouncerFor(key)(func() {
			p.selector.ReportLoss(edge, float64(m.LossFraction), time.Now())
		})

	case wire.PictureLossIndication:
		edge, ok := p.graph.Edge(m.Track, subscriber)
		if !ok {
			return
		}
		edge.SetState(types.EdgeStateDownshifting)
		if edge.RequestPLI(p.pliTimeout) && p.onPLI != nil {
			p.onPLI(m.Track, m.Spatial)
		}

	case wire.LayerSwitchRequest:
		edge, ok := p.graph.Edge(m.Track, subscriber)
		if !ok {
			return
		}
		track, err := p.registry.Lookup(m.Track)
		if err != nil {
			return
		}
		key := debounceKey{m.Track, subscriber, wire.KindLayerSwitchRequest}
		p.debouncerFor(key)(func() {
			p.selector.ApplyHint(edge, track.Layers(), m.Layer, time.Now())
		})

	case wire.BandwidthEstimate:
		edge, ok := p.graph.Edge(m.Track, subscriber)
		if !ok {
			return
		}
		key := debounceKey{m.Track, subscriber, wire.KindBandwidthEstimate}
		p.debouncerFor(key)(func() {
			p.selector.ReportBandwidth(edge, float64(m.BitsPerSec), time.Now())
		})

	case wire.SenderReport:
		if p.onSender == nil {
			return
		}
		key := debounceKey{m.Track, subscriber, wire.KindSenderReport}
		p.debouncerFor(key)(func() {
			p.onSender(m.Track, m)
		})

	case wire.SubscribeRequest:
		if p.onSubscribe != nil {
			p.onSubscribe(subscriber, m.Track)
		}

	case wire.UnsubscribeRequest:
		if p.onUnsubscribe != nil {
			p.onUnsubscribe(subscriber, m.Track)
		}

	case wire.LayerAvailabilityUpdate:
		key := debounceKey{m.Track, subscriber, wire.KindLayerAvailabilityUpdate}
		p.debouncerFor(key)(func() {
			if track, err := p.registry.Lookup(m.Track); err == nil {
				track.SetActiveLayers(m.Layers)
			}
		})
	}
}
