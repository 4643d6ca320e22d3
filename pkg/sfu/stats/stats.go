// Package stats implements the Stats Collector: per-session and
// per-track monotonic counters (packets/bytes in and out, PLIs, drops,
// layer switches), wait-free on the read side, exported through a
// prometheus registry.
//
// Metric shape: package-level vecs registered once via Register. The
// per-packet counters are not touched on the hot path: Scrape folds the
// cumulative atomics kept on PublishedTrack and graph.Edge into them as
// deltas. Ingress drops, pool exhaustion and layer switches are counted
// inline through the Collector's Inc methods.
package stats

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/livekit/sfu-core/pkg/sfu/graph"
	"github.com/livekit/sfu-core/pkg/sfu/registry"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "sfu",
		Name:      "sessions",
		Help:      "Current number of connected sessions.",
	})

	tracksGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "sfu",
		Name:      "published_tracks",
		Help:      "Current number of published tracks by media kind.",
	}, []string{"kind"})

	edgesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "sfu",
		Name:      "edges",
		Help:      "Current number of forwarding edges.",
	})

	egressTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "sfu",
		Name:      "egress_packets_total",
		Help:      "Packets successfully delivered to a subscriber.",
	})

	edgeDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "sfu",
		Name:      "edge_drops_total",
		Help:      "Packets dropped at an edge (full queue or temporal filtering).",
	})

	ingressDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "sfu",
		Name:      "ingress_drops_total",
		Help:      "Ingress packets dropped for pool exhaustion.",
	})

	poolExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "sfu",
		Name:      "pool_exhausted_total",
		Help:      "Packet pool Get() calls that found no free buffer.",
	})

	layerSwitchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "sfu",
		Name:      "layer_switches_total",
		Help:      "Layer selector switches by reason.",
	}, []string{"reason"})

	packetsInTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "sfu",
		Name:      "packets_in_total",
		Help:      "Ingress packets accepted, by publishing session and track.",
	}, []string{"session", "track"})

	packetsOutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "sfu",
		Name:      "packets_out_total",
		Help:      "Packets forwarded to a subscriber, by subscribing session and track.",
	}, []string{"session", "track"})

	bytesInTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "sfu",
		Name:      "bytes_in_total",
		Help:      "Ingress payload bytes accepted, by publishing session and track.",
	}, []string{"session", "track"})

	bytesOutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "sfu",
		Name:      "bytes_out_total",
		Help:      "Payload bytes forwarded to a subscriber, by subscribing session and track.",
	}, []string{"session", "track"})

	pliTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "sfu",
		Name:      "pli_total",
		Help:      "Picture loss indications issued on an edge, by subscribing session and track.",
	}, []string{"session", "track"})
)

// Register adds every collector to reg. Call once at startup; a
// process-wide registry (prometheus.DefaultRegisterer) or a dedicated
// one both work.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		sessionsGauge, tracksGauge, edgesGauge, egressTotal,
		edgeDropsTotal, ingressDropsTotal, poolExhaustedTotal, layerSwitchesTotal,
		packetsInTotal, packetsOutTotal, bytesInTotal, bytesOutTotal, pliTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collector snapshots the live Track Registry and Subscription Graph on
// demand and keeps the running counters the router/selector feed.
type Collector struct {
	registry *registry.Registry
	graph    *graph.Graph

	mu        sync.Mutex
	lastEdge  map[*graph.Edge]edgeTotals
	lastTrack map[*types.PublishedTrack]trackTotals
}

type edgeTotals struct {
	egress      uint64
	egressBytes uint64
	drops       uint64
	pli         uint64
}

type trackTotals struct {
	packets uint64
	bytes   uint64
}

func New(r *registry.Registry, g *graph.Graph) *Collector {
	return &Collector{
		registry:  r,
		graph:     g,
		lastEdge:  make(map[*graph.Edge]edgeTotals),
		lastTrack: make(map[*types.PublishedTrack]trackTotals),
	}
}

// Scrape walks every registered track's edges and folds their cumulative
// egress/drop counters into the prometheus counters as deltas, and
// refreshes the session/track/edge gauges. Call on a periodic ticker;
// Edge counters are cheap atomic loads so scraping every few seconds has
// negligible cost relative to the packet rate they summarize.
func (c *Collector) Scrape() {
	tracks := c.registry.All()
	audio, video := 0, 0
	edgeCount := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	seenEdge := make(map[*graph.Edge]bool)
	seenTrack := make(map[*types.PublishedTrack]bool)

	for _, t := range tracks {
		if t.Kind == types.MediaKindAudio {
			audio++
		} else {
			video++
		}

		seenTrack[t] = true
		trackLabel := strconv.FormatUint(uint64(t.ID), 10)
		publisherLabel := strconv.FormatUint(uint64(t.Owner), 10)
		prevTrack := c.lastTrack[t]
		curTrack := trackTotals{packets: t.IngressPackets.Load(), bytes: t.IngressBytes.Load()}
		if curTrack.packets > prevTrack.packets {
			packetsInTotal.WithLabelValues(publisherLabel, trackLabel).Add(float64(curTrack.packets - prevTrack.packets))
		}
		if curTrack.bytes > prevTrack.bytes {
			bytesInTotal.WithLabelValues(publisherLabel, trackLabel).Add(float64(curTrack.bytes - prevTrack.bytes))
		}
		c.lastTrack[t] = curTrack

		for _, e := range c.graph.EdgesFor(t.ID) {
			edgeCount++
			seenEdge[e] = true
			subscriberLabel := strconv.FormatUint(uint64(e.Subscriber), 10)
			prev := c.lastEdge[e]
			cur := edgeTotals{
				egress:      e.EgressCount(),
				egressBytes: e.EgressBytes(),
				drops:       e.DropCount(),
				pli:         e.PLICount(),
			}
			if cur.egress > prev.egress {
				delta := float64(cur.egress - prev.egress)
				egressTotal.Add(delta)
				packetsOutTotal.WithLabelValues(subscriberLabel, trackLabel).Add(delta)
			}
			if cur.egressBytes > prev.egressBytes {
				bytesOutTotal.WithLabelValues(subscriberLabel, trackLabel).Add(float64(cur.egressBytes - prev.egressBytes))
			}
			if cur.drops > prev.drops {
				edgeDropsTotal.Add(float64(cur.drops - prev.drops))
			}
			if cur.pli > prev.pli {
				pliTotal.WithLabelValues(subscriberLabel, trackLabel).Add(float64(cur.pli - prev.pli))
			}
			c.lastEdge[e] = cur
		}
	}
	for e := range c.lastEdge {
		if !seenEdge[e] {
			delete(c.lastEdge, e)
		}
	}
	for t := range c.lastTrack {
		if !seenTrack[t] {
			delete(c.lastTrack, t)
		}
	}

	tracksGauge.WithLabelValues("audio").Set(float64(audio))
	tracksGauge.WithLabelValues("video").Set(float64(video))
	edgesGauge.Set(float64(edgeCount))
}

func (c *Collector) SetSessions(n int) {
	sessionsGauge.Set(float64(n))
}

func (c *Collector) IncIngressDrop()   { ingressDropsTotal.Inc() }
func (c *Collector) IncPoolExhausted() { poolExhaustedTotal.Inc() }
func (c *Collector) IncLayerSwitch(reason string) {
	layerSwitchesTotal.WithLabelValues(reason).Inc()
}
