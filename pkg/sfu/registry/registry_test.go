package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/sfu-core/pkg/sfu/registry"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

func newTrack(id types.TrackId, owner types.SessionId) *types.PublishedTrack {
	return types.NewPublishedTrack(id, owner, types.MediaKindVideo, types.CodecDescriptor{Name: "VP9", PayloadType: 98})
}

func TestRegisterLookupUnregister(t *testing.T) {
	r := registry.New()
	track := newTrack(1, 100)

	require.NoError(t, r.Register(track))
	got, err := r.Lookup(1)
	require.NoError(t, err)
	assert.Same(t, track, got)
	assert.Equal(t, 1, r.Len())

	r.Unregister(1)
	_, err = r.Lookup(1)
	assert.ErrorIs(t, err, types.ErrNoSuchTrack)
	assert.Equal(t, 0, r.Len())
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(newTrack(1, 100)))
	err := r.Register(newTrack(1, 200))
	assert.ErrorIs(t, err, types.ErrDuplicateTrack)
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	r := registry.New()
	assert.NotPanics(t, func() { r.Unregister(999) })
}

func TestTracksByOwner(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(newTrack(1, 100)))
	require.NoError(t, r.Register(newTrack(2, 100)))
	require.NoError(t, r.Register(newTrack(3, 200)))

	owned := r.TracksByOwner(100)
	assert.Len(t, owned, 2)

	all := r.All()
	assert.Len(t, all, 3)
}

func TestAnnounceLayers(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(newTrack(1, 100)))

	layer := types.NewLayer(types.LayerID{Spatial: 0, Temporal: 0}, 320, 180, 15, 100_000)
	require.NoError(t, r.AnnounceLayers(1, []*types.Layer{layer}))

	track, err := r.Lookup(1)
	require.NoError(t, err)
	assert.True(t, track.IsSimulcast())

	assert.ErrorIs(t, r.AnnounceLayers(999, nil), types.ErrNoSuchTrack)
}
