package codec

import (
	"github.com/pion/rtp"

	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// h264Capability detects keyframes from NAL unit types and extracts
// simulcast layer (spatial only — H264 simulcast in this SFU does not use
// temporal scalability) from the shared layer extension.
type h264Capability struct{}

func NewH264() Capability { return h264Capability{} }

func (h264Capability) Name() string { return "H264" }

const (
	naluTypeMask  = 0x1F
	naluTypeIDR   = 5
	naluTypeSPS   = 7
	naluTypeSTAPA = 24
	naluTypeFUA   = 28
)

func (h264Capability) IsKeyframe(pkt *rtp.Packet) bool {
	payload := pkt.Payload
	if len(payload) < 1 {
		return false
	}
	naluType := payload[0] & naluTypeMask
	switch naluType {
	case naluTypeIDR, naluTypeSPS:
		return true
	case naluTypeSTAPA:
		// aggregation packet: scan each NALU for an IDR/SPS
		buf := payload[1:]
		for len(buf) > 2 {
			size := int(buf[0])<<8 | int(buf[1])
			buf = buf[2:]
			if size > len(buf) {
				break
			}
			if size > 0 && (buf[0]&naluTypeMask == naluTypeIDR || buf[0]&naluTypeMask == naluTypeSPS) {
				return true
			}
			buf = buf[size:]
		}
		return false
	case naluTypeFUA:
		if len(payload) < 2 {
			return false
		}
		fragType := payload[1] & naluTypeMask
		startBit := payload[1]&0x80 != 0
		return startBit && (fragType == naluTypeIDR || fragType == naluTypeSPS)
	default:
		return false
	}
}

func (h264Capability) ExtractLayer(pkt *rtp.Packet) types.LayerID {
	layer := extractLayerFromExtension(pkt)
	layer.Temporal = 0 // H264 simulcast here is spatial-only
	return layer
}
