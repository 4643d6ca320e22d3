package codec_test

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/sfu-core/pkg/sfu/codec"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

func TestRegistryLookup(t *testing.T) {
	reg := codec.NewRegistry()
	reg.Register(111, codec.NewOpus())
	reg.Register(98, codec.NewVP9())

	assert.Equal(t, "opus", reg.Lookup(111).Name())
	assert.Equal(t, "VP9", reg.Lookup(98).Name())
	assert.Nil(t, reg.Lookup(200))
}

func TestOpusNeverKeyframeOrLayered(t *testing.T) {
	opus := codec.NewOpus()
	pkt := &rtp.Packet{Payload: []byte{0x01, 0x02}}
	assert.False(t, opus.IsKeyframe(pkt))
	assert.Equal(t, types.LayerID{Spatial: 0, Temporal: 0}, opus.ExtractLayer(pkt))
}

func packetWithLayerExtension(t *testing.T, spatial, temporal byte, switching bool) *rtp.Packet {
	t.Helper()
	pkt := &rtp.Packet{}
	sw := byte(0)
	if switching {
		sw = 1
	}
	require.NoError(t, pkt.SetExtension(codec.LayerExtensionID, []byte{spatial, temporal, sw}))
	return pkt
}

func TestExtractLayerFromExtension(t *testing.T) {
	vp9 := codec.NewVP9()
	pkt := packetWithLayerExtension(t, 1, 2, false)
	assert.Equal(t, types.LayerID{Spatial: 1, Temporal: 2}, vp9.ExtractLayer(pkt))

	h264 := codec.NewH264()
	pkt2 := packetWithLayerExtension(t, 1, 2, false)
	// H264 simulcast here is spatial-only.
	assert.Equal(t, types.LayerID{Spatial: 1, Temporal: 0}, h264.ExtractLayer(pkt2))
}

func TestIsSwitchingPoint(t *testing.T) {
	pkt := packetWithLayerExtension(t, 0, 1, true)
	assert.True(t, codec.IsSwitchingPoint(pkt))

	plain := &rtp.Packet{}
	assert.False(t, codec.IsSwitchingPoint(plain))
}

func TestVP9KeyframeDetection(t *testing.T) {
	vp9 := codec.NewVP9()

	// I=1 (0x80), P=0 (key), L=0, F=0, V=1 (0x02): picture id byte, then a
	// scalability-structure byte the P-bit check doesn't need to read.
	keyframe := &rtp.Packet{Payload: []byte{0x80 | 0x02, 0x01, 0x00}}
	assert.True(t, vp9.IsKeyframe(keyframe))

	// Same layout but P=1 (inter-predicted): bit 0x40 set on the descriptor byte.
	interframe := &rtp.Packet{Payload: []byte{0x80 | 0x40 | 0x02, 0x01, 0x00}}
	assert.False(t, vp9.IsKeyframe(interframe))

	assert.False(t, vp9.IsKeyframe(&rtp.Packet{Payload: nil}))
}

func TestH264KeyframeDetection(t *testing.T) {
	h264 := codec.NewH264()

	idr := &rtp.Packet{Payload: []byte{5}} // NAL type 5 = IDR
	assert.True(t, h264.IsKeyframe(idr))

	nonIdr := &rtp.Packet{Payload: []byte{1}} // NAL type 1 = non-IDR slice
	assert.False(t, h264.IsKeyframe(nonIdr))

	fuaStart := &rtp.Packet{Payload: []byte{28, 0x80 | 5}} // FU-A, start bit, fragment type IDR
	assert.True(t, h264.IsKeyframe(fuaStart))

	fuaMid := &rtp.Packet{Payload: []byte{28, 5}} // FU-A, no start bit
	assert.False(t, h264.IsKeyframe(fuaMid))

	assert.False(t, h264.IsKeyframe(&rtp.Packet{Payload: nil}))
}
