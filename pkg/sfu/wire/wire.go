// Package wire implements the feedback channel's binary framing: a
// length-prefixed record format carried over a dedicated transport
// substream, deliberately independent of RTP/RTCP so it can travel
// alongside media without needing an RTCP stack on either end.
//
// Framing is hand-rolled with encoding/binary rather than a third-party
// codec: the record layout is a handful of fixed-width little-endian
// fields, well within what encoding/binary expresses directly, and no
// example in this codebase reaches for a generic binary-struct library
// for anything this small — protobuf or a schema codec would be the
// wrong tool for ten small fixed-layout record kinds.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// Version is the current wire format version. A decoder rejects any
// other value rather than guessing at a layout.
const Version uint8 = 1

// Kind identifies the payload that follows a record header.
type Kind uint8

const (
	KindReceiverReport          Kind = 1
	KindSenderReport            Kind = 2
	KindPictureLossIndication   Kind = 3
	KindLayerSwitchRequest      Kind = 4
	KindBandwidthEstimate       Kind = 5
	KindLayerAvailabilityUpdate Kind = 6
	KindSubscribeRequest        Kind = 7
	KindUnsubscribeRequest      Kind = 8
	KindPublisherLeft           Kind = 9
	KindSubscriberUnreachable   Kind = 10
)

func (k Kind) String() string {
	switch k {
	case KindReceiverReport:
		return "receiver_report"
	case KindSenderReport:
		return "sender_report"
	case KindPictureLossIndication:
		return "pli"
	case KindLayerSwitchRequest:
		return "layer_switch_request"
	case KindBandwidthEstimate:
		return "bandwidth_estimate"
	case KindLayerAvailabilityUpdate:
		return "layer_availability_update"
	case KindSubscribeRequest:
		return "subscribe_request"
	case KindUnsubscribeRequest:
		return "unsubscribe_request"
	case KindPublisherLeft:
		return "publisher_left"
	case KindSubscriberUnreachable:
		return "subscriber_unreachable"
	default:
		return "unknown"
	}
}

const headerLen = 4 // version:u8, kind:u8, length:u16

// ReceiverReport carries loss, jitter and RTT for one edge, the
// subscriber-side analogue of an RTCP receiver report.
type ReceiverReport struct {
	Track        types.TrackId
	LossFraction float32 // 0..1
	JitterMicros uint32
	RTTMicros    uint32
}

// SenderReport carries publisher-side stats only; it never touches an
// edge's bandwidth or loss estimate.
type SenderReport struct {
	Track       types.TrackId
	PacketCount uint32
	OctetCount  uint64
}

// PictureLossIndication requests a fresh keyframe on the given spatial
// layer of a track.
type PictureLossIndication struct {
	Track   types.TrackId
	Spatial int32
}

// LayerSwitchRequest is an explicit subscriber hint.
type LayerSwitchRequest struct {
	Track    types.TrackId
	Layer    types.LayerID
}

// BandwidthEstimate carries a bandwidth figure for one edge. The
// feedback processor folds it into the edge's EWMA B̂ like any other
// sample (selector.ReportBandwidth); it does not replace B̂.
type BandwidthEstimate struct {
	Track      types.TrackId
	BitsPerSec uint64
}

// LayerAvailabilityUpdate announces which (spatial, temporal)
// coordinates a publisher currently has active, so a subscriber-side
// estimator can bound its candidate set.
type LayerAvailabilityUpdate struct {
	Track  types.TrackId
	Layers []types.LayerID
}

// SubscribeRequest is the minimal control message that stands in for a
// signalling-layer subscribe call: a subscriber asks to receive a track it
// already knows the id of (discovery itself is out of scope). Carried on
// the same substream as feedback since both flow subscriber-to-SFU.
type SubscribeRequest struct {
	Track types.TrackId
}

// UnsubscribeRequest ends a subscription started by SubscribeRequest.
type UnsubscribeRequest struct {
	Track types.TrackId
}

// PublisherLeft notifies a subscriber that Track's publisher has
// disconnected; the edge is already closed by the time this is sent.
type PublisherLeft struct {
	Track types.TrackId
}

// SubscriberUnreachable notifies a subscriber that its own subscription
// to Track was torn down after its egress exhausted the failure budget.
type SubscriberUnreachable struct {
	Track types.TrackId
}

// Encode serializes one record: header plus payload. The payload encoder
// is chosen by the concrete type of msg.
func Encode(msg any) ([]byte, error) {
	var kind Kind
	var payload []byte

	switch m := msg.(type) {
	case ReceiverReport:
		kind = KindReceiverReport
		payload = make([]byte, 8+4+4+4)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Track))
		binary.LittleEndian.PutUint32(payload[8:12], math.Float32bits(m.LossFraction))
		binary.LittleEndian.PutUint32(payload[12:16], m.JitterMicros)
		binary.LittleEndian.PutUint32(payload[16:20], m.RTTMicros)
	case SenderReport:
		kind = KindSenderReport
		payload = make([]byte, 8+4+8)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Track))
		binary.LittleEndian.PutUint32(payload[8:12], m.PacketCount)
		binary.LittleEndian.PutUint64(payload[12:20], m.OctetCount)
	case PictureLossIndication:
		kind = KindPictureLossIndication
		payload = make([]byte, 8+4)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Track))
		binary.LittleEndian.PutUint32(payload[8:12], uint32(m.Spatial))
	case LayerSwitchRequest:
		kind = KindLayerSwitchRequest
		payload = make([]byte, 8+4+4)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Track))
		binary.LittleEndian.PutUint32(payload[8:12], uint32(m.Layer.Spatial))
		binary.LittleEndian.PutUint32(payload[12:16], uint32(m.Layer.Temporal))
	case BandwidthEstimate:
		kind = KindBandwidthEstimate
		payload = make([]byte, 8+8)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Track))
		binary.LittleEndian.PutUint64(payload[8:16], m.BitsPerSec)
	case LayerAvailabilityUpdate:
		kind = KindLayerAvailabilityUpdate
		payload = make([]byte, 8+2+8*len(m.Layers))
		binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Track))
		binary.LittleEndian.PutUint16(payload[8:10], uint16(len(m.Layers)))
		off := 10
		for _, l := range m.Layers {
			binary.LittleEndian.PutUint32(payload[off:off+4], uint32(l.Spatial))
			binary.LittleEndian.PutUint32(payload[off+4:off+8], uint32(l.Temporal))
			off += 8
		}
	case SubscribeRequest:
		kind = KindSubscribeRequest
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Track))
	case UnsubscribeRequest:
		kind = KindUnsubscribeRequest
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Track))
	case PublisherLeft:
		kind = KindPublisherLeft
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Track))
	case SubscriberUnreachable:
		kind = KindSubscriberUnreachable
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(m.Track))
	default:
		return nil, fmt.Errorf("wire: unsupported message type %T", msg)
	}

	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("wire: payload too large (%d bytes)", len(payload))
	}

	out := make([]byte, headerLen+len(payload))
	out[0] = Version
	out[1] = byte(kind)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[headerLen:], payload)
	return out, nil
}

// PeekLength inspects buf's header and reports the total length (header
// plus payload) of the record starting at buf, without requiring the
// payload itself to be present yet. Returns ok=false if buf doesn't yet
// contain a full header, the caller's cue to read more before calling
// again. Used by stream-oriented transports to reassemble records split
// across multiple reads before handing a complete one to Decode.
func PeekLength(buf []byte) (total int, ok bool, err error) {
	if len(buf) < headerLen {
		return 0, false, nil
	}
	if buf[0] != Version {
		return 0, false, types.ErrMalformedPacket
	}
	length := int(binary.LittleEndian.Uint16(buf[2:4]))
	return headerLen + length, true, nil
}

// Decode parses one record from buf and returns the message and the
// number of bytes consumed. Returns types.ErrMalformedPacket if buf is
// short, the version is unrecognized, or a payload doesn't match its
// kind's fixed layout.
func Decode(buf []byte) (msg any, consumed int, err error) {
	if len(buf) < headerLen {
		return nil, 0, types.ErrMalformedPacket
	}
	if buf[0] != Version {
		return nil, 0, types.ErrMalformedPacket
	}
	kind := Kind(buf[1])
	length := int(binary.LittleEndian.Uint16(buf[2:4]))
	if len(buf) < headerLen+length {
		return nil, 0, types.ErrMalformedPacket
	}
	payload := buf[headerLen : headerLen+length]
	consumed = headerLen + length

	switch kind {
	case KindReceiverReport:
		if len(payload) != 20 {
			return nil, 0, types.ErrMalformedPacket
		}
		msg = ReceiverReport{
			Track:        types.TrackId(binary.LittleEndian.Uint64(payload[0:8])),
			LossFraction: math.Float32frombits(binary.LittleEndian.Uint32(payload[8:12])),
			JitterMicros: binary.LittleEndian.Uint32(payload[12:16]),
			RTTMicros:    binary.LittleEndian.Uint32(payload[16:20]),
		}
	case KindSenderReport:
		if len(payload) != 20 {
			return nil, 0, types.ErrMalformedPacket
		}
		msg = SenderReport{
			Track:       types.TrackId(binary.LittleEndian.Uint64(payload[0:8])),
			PacketCount: binary.LittleEndian.Uint32(payload[8:12]),
			OctetCount:  binary.LittleEndian.Uint64(payload[12:20]),
		}
	case KindPictureLossIndication:
		if len(payload) != 12 {
			return nil, 0, types.ErrMalformedPacket
		}
		msg = PictureLossIndication{
			Track:   types.TrackId(binary.LittleEndian.Uint64(payload[0:8])),
			Spatial: int32(binary.LittleEndian.Uint32(payload[8:12])),
		}
	case KindLayerSwitchRequest:
		if len(payload) != 16 {
			return nil, 0, types.ErrMalformedPacket
		}
		msg = LayerSwitchRequest{
			Track: types.TrackId(binary.LittleEndian.Uint64(payload[0:8])),
			Layer: types.LayerID{
				Spatial:  int32(binary.LittleEndian.Uint32(payload[8:12])),
				Temporal: int32(binary.LittleEndian.Uint32(payload[12:16])),
			},
		}
	case KindBandwidthEstimate:
		if len(payload) != 16 {
			return nil, 0, types.ErrMalformedPacket
		}
		msg = BandwidthEstimate{
			Track:      types.TrackId(binary.LittleEndian.Uint64(payload[0:8])),
			BitsPerSec: binary.LittleEndian.Uint64(payload[8:16]),
		}
	case KindLayerAvailabilityUpdate:
		if len(payload) < 10 {
			return nil, 0, types.ErrMalformedPacket
		}
		count := int(binary.LittleEndian.Uint16(payload[8:10]))
		if len(payload) != 10+8*count {
			return nil, 0, types.ErrMalformedPacket
		}
		layers := make([]types.LayerID, count)
		off := 10
		for i := 0; i < count; i++ {
			layers[i] = types.LayerID{
				Spatial:  int32(binary.LittleEndian.Uint32(payload[off : off+4])),
				Temporal: int32(binary.LittleEndian.Uint32(payload[off+4 : off+8])),
			}
			off += 8
		}
		msg = LayerAvailabilityUpdate{
			Track:  types.TrackId(binary.LittleEndian.Uint64(payload[0:8])),
			Layers: layers,
		}
	case KindSubscribeRequest:
		if len(payload) != 8 {
			return nil, 0, types.ErrMalformedPacket
		}
		msg = SubscribeRequest{Track: types.TrackId(binary.LittleEndian.Uint64(payload[0:8]))}
	case KindUnsubscribeRequest:
		if len(payload) != 8 {
			return nil, 0, types.ErrMalformedPacket
		}
		msg = UnsubscribeRequest{Track: types.TrackId(binary.LittleEndian.Uint64(payload[0:8]))}
	case KindPublisherLeft:
		if len(payload) != 8 {
			return nil, 0, types.ErrMalformedPacket
		}
		msg = PublisherLeft{Track: types.TrackId(binary.LittleEndian.Uint64(payload[0:8]))}
	case KindSubscriberUnreachable:
		if len(payload) != 8 {
			return nil, 0, types.ErrMalformedPacket
		}
		msg = SubscriberUnreachable{Track: types.TrackId(binary.LittleEndian.Uint64(payload[0:8]))}
	default:
		return nil, 0, types.ErrMalformedPacket
	}
	return msg, consumed, nil
}
