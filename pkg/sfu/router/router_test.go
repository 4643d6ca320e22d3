package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/sfu-core/pkg/sfu/codec"
	"github.com/livekit/sfu-core/pkg/sfu/graph"
	"github.com/livekit/sfu-core/pkg/sfu/packetpool"
	"github.com/livekit/sfu-core/pkg/sfu/registry"
	"github.com/livekit/sfu-core/pkg/sfu/router"
	"github.com/livekit/sfu-core/pkg/sfu/selector"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

const vp9PayloadType = 98

// queueMarker is a sequence number the router never assigns in these
// tests. Dequeue blocks on an empty open queue, so a test that expects
// nothing was queued enqueues a marker and checks it comes out first.
const queueMarker = 0xBEEF

type fixture struct {
	pool *packetpool.Pool
	reg  *registry.Registry
	g    *graph.Graph
	sel  *selector.Selector
	r    *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := packetpool.NewPool(64, 256)
	reg := registry.New()
	g := graph.New()
	codecs := codec.NewRegistry()
	codecs.Register(vp9PayloadType, codec.NewVP9())
	sel := selector.New(selector.DefaultParams(), logr.Discard())

	r := router.New(router.Params{
		Pool:     pool,
		Registry: reg,
		Graph:    g,
		Codecs:   codecs,
		Selector: sel,
		Logger:   logr.Discard(),
	})

	return &fixture{pool: pool, reg: reg, g: g, sel: sel, r: r}
}

func registerSimulcastTrack(t *testing.T, fx *fixture, id types.TrackId) *types.PublishedTrack {
	t.Helper()
	track := types.NewPublishedTrack(id, 1, types.MediaKindVideo, types.CodecDescriptor{Name: "VP9", PayloadType: vp9PayloadType})
	require.NoError(t, fx.reg.Register(track))
	track.AnnounceLayers([]*types.Layer{
		types.NewLayer(types.LayerID{Spatial: 0, Temporal: 0}, 320, 180, 15, 150_000),
		types.NewLayer(types.LayerID{Spatial: 1, Temporal: 0}, 1280, 720, 30, 1_500_000),
	})
	return track
}

func keyframePacket(seq uint16, ts uint32, spatial, temporal int32) *rtp.Packet {
	pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Timestamp: ts, PayloadType: vp9PayloadType}, Payload: []byte{0x80 | 0x02, 0x01, 0x00}}
	_ = pkt.SetExtension(codec.LayerExtensionID, []byte{byte(spatial), byte(temporal), 0})
	return pkt
}

func interframePacket(seq uint16, ts uint32, spatial, temporal int32) *rtp.Packet {
	pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Timestamp: ts, PayloadType: vp9PayloadType}, Payload: []byte{0x80 | 0x40 | 0x02, 0x01, 0x00}}
	_ = pkt.SetExtension(codec.LayerExtensionID, []byte{byte(spatial), byte(temporal), 0})
	return pkt
}

func TestRouteForwardsKeyframeToUpshiftingEdge(t *testing.T) {
	fx := newFixture(t)
	track := registerSimulcastTrack(t, fx, 10)

	edge := graph.NewEdge(1, 2, 10, 4, func(ctx context.Context, out graph.Outbound) error { return nil })
	edge.SetSelectedLayer(types.LayerID{Spatial: 0, Temporal: 0})
	edge.SetState(types.EdgeStateUpshifting)
	_, err := fx.g.Subscribe(10, 2, edge)
	require.NoError(t, err)

	require.NoError(t, fx.r.Route(track.ID, keyframePacket(1, 1000, 0, 0), time.Now()))

	out, ok := edge.Dequeue()
	require.True(t, ok)
	assert.EqualValues(t, 0, out.Sequence)
	assert.Equal(t, types.EdgeStateActive, edge.State())
}

func TestRouteDropsInterframeForUpshiftingEdge(t *testing.T) {
	fx := newFixture(t)
	track := registerSimulcastTrack(t, fx, 10)

	edge := graph.NewEdge(1, 2, 10, 4, func(ctx context.Context, out graph.Outbound) error { return nil })
	edge.SetSelectedLayer(types.LayerID{Spatial: 0, Temporal: 0})
	edge.SetState(types.EdgeStateUpshifting)
	_, err := fx.g.Subscribe(10, 2, edge)
	require.NoError(t, err)

	require.NoError(t, fx.r.Route(track.ID, interframePacket(1, 1000, 0, 0), time.Now()))

	require.True(t, edge.TryEnqueue(graph.Outbound{Sequence: queueMarker}))
	out, ok := edge.Dequeue()
	require.True(t, ok)
	assert.EqualValues(t, queueMarker, out.Sequence, "no packet should have been enqueued")
}

func TestRouteDropsWrongSpatialLayer(t *testing.T) {
	fx := newFixture(t)
	track := registerSimulcastTrack(t, fx, 10)

	edge := graph.NewEdge(1, 2, 10, 4, func(ctx context.Context, out graph.Outbound) error { return nil })
	edge.SetSelectedLayer(types.LayerID{Spatial: 0, Temporal: 0})
	edge.SetState(types.EdgeStateActive)
	_, err := fx.g.Subscribe(10, 2, edge)
	require.NoError(t, err)

	require.NoError(t, fx.r.Route(track.ID, keyframePacket(1, 1000, 1, 0), time.Now()))

	require.True(t, edge.TryEnqueue(graph.Outbound{Sequence: queueMarker}))
	out, ok := edge.Dequeue()
	require.True(t, ok)
	assert.EqualValues(t, queueMarker, out.Sequence, "no packet should have been enqueued")
}

func TestRouteDropsHigherTemporalLayer(t *testing.T) {
	fx := newFixture(t)
	track := registerSimulcastTrack(t, fx, 10)

	edge := graph.NewEdge(1, 2, 10, 4, func(ctx context.Context, out graph.Outbound) error { return nil })
	edge.SetSelectedLayer(types.LayerID{Spatial: 0, Temporal: 0})
	edge.SetState(types.EdgeStateActive)
	_, err := fx.g.Subscribe(10, 2, edge)
	require.NoError(t, err)

	require.NoError(t, fx.r.Route(track.ID, interframePacket(1, 1000, 0, 1), time.Now()))

	require.True(t, edge.TryEnqueue(graph.Outbound{Sequence: queueMarker}))
	out, ok := edge.Dequeue()
	require.True(t, ok)
	assert.EqualValues(t, queueMarker, out.Sequence, "no packet should have been enqueued")
	assert.EqualValues(t, 1, edge.DropCount())
}

func TestRouteSwitchingPointAllowsTemporalUpshiftWithoutKeyframe(t *testing.T) {
	fx := newFixture(t)
	track := registerSimulcastTrack(t, fx, 10)

	edge := graph.NewEdge(1, 2, 10, 4, func(ctx context.Context, out graph.Outbound) error { return nil })
	edge.SetSelectedLayer(types.LayerID{Spatial: 0, Temporal: 1})
	edge.SetState(types.EdgeStateUpshifting)
	_, err := fx.g.Subscribe(10, 2, edge)
	require.NoError(t, err)

	pkt := interframePacket(1, 1000, 0, 0)
	require.NoError(t, pkt.SetExtension(codec.LayerExtensionID, []byte{0, 0, 1})) // switching point on (0,0)

	require.NoError(t, fx.r.Route(track.ID, pkt, time.Now()))

	out, ok := edge.Dequeue()
	require.True(t, ok, "a switching-point packet at the currently forwarded spatial layer should upshift temporally without a keyframe")
	assert.EqualValues(t, 0, out.Sequence)
	assert.Equal(t, types.EdgeStateActive, edge.State())
}

func TestOnSubscribedReplaysCachedKeyframe(t *testing.T) {
	fx := newFixture(t)
	track := registerSimulcastTrack(t, fx, 10)

	require.NoError(t, fx.r.Route(track.ID, keyframePacket(1, 1000, 0, 0), time.Now()))

	var sent []graph.Outbound
	edge := graph.NewEdge(1, 2, 10, 4, func(ctx context.Context, out graph.Outbound) error {
		sent = append(sent, out)
		return nil
	})
	_, err := fx.g.Subscribe(10, 2, edge)
	require.NoError(t, err)

	out, ok := edge.Dequeue()
	require.True(t, ok, "the replayed keyframe should be queued for the new edge")
	assert.EqualValues(t, 1000, out.Timestamp)
	assert.Equal(t, types.EdgeStateActive, edge.State())
}

func TestOnSubscribedRequestsPLIWhenNoCachedKeyframe(t *testing.T) {
	reg := registry.New()
	g := graph.New()
	sel := selector.New(selector.DefaultParams(), logr.Discard())

	track := types.NewPublishedTrack(10, 1, types.MediaKindVideo, types.CodecDescriptor{Name: "VP9", PayloadType: vp9PayloadType})
	require.NoError(t, reg.Register(track))
	track.AnnounceLayers([]*types.Layer{
		types.NewLayer(types.LayerID{Spatial: 0, Temporal: 0}, 320, 180, 15, 150_000),
	})

	var pliFor []int32
	r := router.New(router.Params{
		Pool: packetpool.NewPool(8, 256), Registry: reg, Graph: g, Codecs: codec.NewRegistry(),
		Selector: sel, PLITimeout: time.Minute, Logger: logr.Discard(),
		OnPLI: func(track types.TrackId, spatial int32) { pliFor = append(pliFor, spatial) },
	})
	r.OnStats(nil, nil)

	edge := graph.NewEdge(1, 2, 10, 4, func(ctx context.Context, out graph.Outbound) error { return nil })
	_, err := g.Subscribe(10, 2, edge)
	require.NoError(t, err)

	require.Len(t, pliFor, 1)
	assert.EqualValues(t, 0, pliFor[0])
	assert.Equal(t, types.EdgeStateUpshifting, edge.State())
	assert.True(t, edge.PLIOutstanding())
}

func TestRouteDropsOnPoolExhaustion(t *testing.T) {
	fx := newFixture(t)
	track := registerSimulcastTrack(t, fx, 10)

	tinyPool := packetpool.NewPool(0, 256)
	r := router.New(router.Params{Pool: tinyPool, Registry: fx.reg, Graph: fx.g, Codecs: codec.NewRegistry(), Selector: fx.sel, Logger: logr.Discard()})

	var exhausted, dropped int
	r.OnStats(func() { dropped++ }, func() { exhausted++ })

	err := r.Route(track.ID, keyframePacket(1, 1000, 0, 0), time.Now())
	assert.ErrorIs(t, err, types.ErrPoolExhausted)
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 1, dropped)
	assert.EqualValues(t, 1, track.DroppedIngress.Load())
}
