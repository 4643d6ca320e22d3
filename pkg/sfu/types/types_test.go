package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/sfu-core/pkg/sfu/types"
)

func TestLayerIDGreaterThan(t *testing.T) {
	assert.True(t, types.LayerID{Spatial: 1, Temporal: 0}.GreaterThan(types.LayerID{Spatial: 0, Temporal: 2}))
	assert.True(t, types.LayerID{Spatial: 1, Temporal: 2}.GreaterThan(types.LayerID{Spatial: 1, Temporal: 1}))
	assert.False(t, types.LayerID{Spatial: 1, Temporal: 1}.GreaterThan(types.LayerID{Spatial: 1, Temporal: 1}))
}

func TestInvalidLayer(t *testing.T) {
	assert.False(t, types.InvalidLayer.IsValid())
	assert.True(t, (types.LayerID{Spatial: 0, Temporal: 0}).IsValid())
}

func TestPublishedTrackLayers(t *testing.T) {
	track := types.NewPublishedTrack(1, 100, types.MediaKindVideo, types.CodecDescriptor{Name: "VP9", PayloadType: 98})
	assert.False(t, track.IsSimulcast())
	assert.Equal(t, types.InvalidLayer, track.MaxLayer())

	low := types.NewLayer(types.LayerID{Spatial: 0, Temporal: 0}, 320, 180, 15, 150_000)
	high := types.NewLayer(types.LayerID{Spatial: 1, Temporal: 0}, 1280, 720, 30, 1_500_000)
	track.AnnounceLayers([]*types.Layer{low, high})

	require.True(t, track.IsSimulcast())
	assert.Equal(t, high.ID, track.MaxLayer())

	track.SetActiveLayers([]types.LayerID{low.ID})
	assert.Equal(t, low.ID, track.MaxLayer())
	assert.False(t, high.Active.Load())
}

func TestParticipantSubscriptions(t *testing.T) {
	p := types.NewParticipant(1, nil)
	key := types.EdgeKey{Publisher: 2, Track: 9}
	p.AddSubscription(key)
	assert.Equal(t, 1, p.SubscriptionCount())
	assert.Contains(t, p.Subscriptions(), key)
	p.RemoveSubscription(key)
	assert.Equal(t, 0, p.SubscriptionCount())
}
