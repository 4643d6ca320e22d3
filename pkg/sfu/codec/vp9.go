package codec

import (
	"github.com/pion/rtp"

	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// vp9Capability detects keyframes from the VP9 payload descriptor's P-bit
// (inter-picture predicted flag: 0 means this is a key picture) and reads
// full (spatial, temporal) layers from the shared layer extension, since
// VP9 is the one codec here with a genuine temporal hierarchy.
type vp9Capability struct{}

func NewVP9() Capability { return vp9Capability{} }

func (vp9Capability) Name() string { return "VP9" }

func (vp9Capability) IsKeyframe(pkt *rtp.Packet) bool {
	payload := pkt.Payload
	if len(payload) < 1 {
		return false
	}
	b := payload[0]
	iPresent := b&0x80 != 0
	lPresent := b&0x20 != 0
	fPresent := b&0x10 != 0 // flexible mode
	vPresent := b&0x02 != 0

	idx := 1
	if iPresent {
		if idx >= len(payload) {
			return false
		}
		if payload[idx]&0x80 != 0 {
			idx++ // extended picture id, two bytes total
		}
		idx++
	}
	if lPresent {
		idx++
		if !fPresent {
			idx++ // TL0PICIDX present only in non-flexible mode
		}
	}
	if fPresent {
		// P_DIFF entries would follow; not needed to find the V bit
	}
	if idx >= len(payload) || !vPresent {
		return false
	}
	// P bit: 0 means this picture does not depend on a prior one.
	pBit := b&0x40 != 0
	return !pBit
}

func (vp9Capability) ExtractLayer(pkt *rtp.Packet) types.LayerID {
	return extractLayerFromExtension(pkt)
}
