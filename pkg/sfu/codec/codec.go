// Package codec provides the small per-payload-type capability surface
// the Media Router needs: whether a packet starts a keyframe, and which
// simulcast layer it belongs to. Capabilities are dispatched
// polymorphically over a registry keyed by RTP payload type rather than
// codec name, since that's how a publisher announces a track.
package codec

import (
	"github.com/pion/rtp"

	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// Capability is the behavior the router needs from a codec: whether a
// given RTP packet starts a keyframe, and which simulcast layer it
// belongs to (layer (0,0) for codecs without layers, like Opus).
type Capability interface {
	Name() string
	IsKeyframe(pkt *rtp.Packet) bool
	ExtractLayer(pkt *rtp.Packet) types.LayerID
}

// Registry maps RTP payload types to codec capabilities. It is a plain
// map with no lock: Register writes it in place, and cmd/sfu-server makes
// all of its Register calls in newServer, before any packet is routed.
type Registry struct {
	byPayloadType map[uint8]Capability
}

// NewRegistry returns an empty Registry. The known codec variants, Opus
// (audio, no layers), VP9 (spatial + temporal) and H264 (spatial only,
// optional), are added with Register.
func NewRegistry() *Registry {
	return &Registry{byPayloadType: map[uint8]Capability{}}
}

// Register binds a payload type to a capability. cmd/sfu-server calls
// this once per codec listed in its config.
func (r *Registry) Register(pt uint8, capability Capability) {
	r.byPayloadType[pt] = capability
}

// Lookup returns the capability for a payload type, or nil if the
// publisher never announced one. Callers treat a nil capability as "no
// layering, not a keyframe codec we understand" rather than an error,
// since an unrecognized payload type is not itself malformed.
func (r *Registry) Lookup(pt uint8) Capability {
	return r.byPayloadType[pt]
}

// opusCapability: audio, no simulcast layers, no keyframe concept.
type opusCapability struct{}

func NewOpus() Capability { return opusCapability{} }

func (opusCapability) Name() string                            { return "opus" }
func (opusCapability) IsKeyframe(_ *rtp.Packet) bool            { return false }
func (opusCapability) ExtractLayer(_ *rtp.Packet) types.LayerID { return types.LayerID{Spatial: 0, Temporal: 0} }
