package codec

import (
	"github.com/pion/rtp"

	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// LayerExtensionID is the RTP header extension URI id the publisher and
// SFU have negotiated out of band (via the signalling layer, out of
// scope) for carrying (spatial_id, temporal_id,
// switching_point). The SFU itself doesn't care which extension number
// the signalling layer picked, only that it's configured consistently;
// it's exposed here as a package variable so tests and the config loader
// can override it without threading it through every call site.
var LayerExtensionID uint8 = 12

// layerExtension is the three-byte payload of the simulcast layer header
// extension: spatial id, temporal id, and a switching-point flag that
// marks a packet as safe to switch into (i.e. the start of a new GOP for
// this layer).
type layerExtension struct {
	Spatial        int32
	Temporal       int32
	SwitchingPoint bool
}

// parseLayerExtension extracts (spatial_id, temporal_id, switching_point)
// from the packet's header extension. Returns ok=false if
// the extension isn't present, which callers treat as "non-simulcast
// packet" rather than a parse error.
func parseLayerExtension(pkt *rtp.Packet) (layerExtension, bool) {
	raw := pkt.GetExtension(LayerExtensionID)
	if len(raw) < 3 {
		return layerExtension{}, false
	}
	return layerExtension{
		Spatial:        int32(raw[0]),
		Temporal:       int32(raw[1]),
		SwitchingPoint: raw[2] != 0,
	}, true
}

// IsSwitchingPoint reports whether pkt is marked as safe to switch into
// per its header extension. Used by the router to decide whether an
// upshift can start on this packet without waiting for a cached
// keyframe.
func IsSwitchingPoint(pkt *rtp.Packet) bool {
	ext, ok := parseLayerExtension(pkt)
	return ok && ext.SwitchingPoint
}

// extractLayerFromExtension is the shared layer-extraction routine both
// simulcast-capable codecs (VP9, H264) use; Opus overrides ExtractLayer
// since it never carries this extension.
func extractLayerFromExtension(pkt *rtp.Packet) types.LayerID {
	ext, ok := parseLayerExtension(pkt)
	if !ok {
		return types.LayerID{Spatial: 0, Temporal: 0}
	}
	return types.LayerID{Spatial: ext.Spatial, Temporal: ext.Temporal}
}
