// Package types holds the data model shared by every sfu-core package:
// participants, published tracks, simulcast layers, edge keys and states,
// and switch reasons (the packet envelope lives in packetpool). None of
// these types own locks of
// their own beyond what is documented — callers are expected to follow the
// concurrency rules of the owning package (registry, graph, router).
package types

import (
	"fmt"

	"go.uber.org/atomic"
)

// SessionId identifies a participant for the lifetime of its connection.
type SessionId uint64

// TrackId identifies a published track, unique within the SFU.
type TrackId uint64

// NodeId is the opaque transport-level identity of a connection, provided
// by pkg/sfu/transport.
type NodeId string

// MediaKind distinguishes audio from video tracks. Audio tracks never
// carry simulcast layers.
type MediaKind int

const (
	MediaKindAudio MediaKind = iota
	MediaKindVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaKindAudio:
		return "audio"
	case MediaKindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// CodecDescriptor names the codec a track is encoded with, and its RTP
// payload type so the codec capability registry (pkg/sfu/codec) can be
// consulted per packet.
type CodecDescriptor struct {
	Name        string // "opus", "VP9", "H264"
	PayloadType uint8
	ClockRate   uint32
}

// LayerID is a (spatial, temporal) coordinate within a simulcast track.
// Temporal layers are hierarchical within a spatial layer: forwarding
// temporal layer t implies layers 0..t-1 are also forwarded. Spatial
// layers are independent encodings of the same source.
type LayerID struct {
	Spatial  int32
	Temporal int32
}

// InvalidLayer is the sentinel for "no layer selected yet".
var InvalidLayer = LayerID{Spatial: -1, Temporal: -1}

func (l LayerID) IsValid() bool {
	return l.Spatial >= 0 && l.Temporal >= 0
}

func (l LayerID) String() string {
	return fmt.Sprintf("(s%d,t%d)", l.Spatial, l.Temporal)
}

// GreaterThan orders layers first by spatial id, then temporal id —
// matching the "higher quality" ordering the layer selector optimizes
// over.
func (l LayerID) GreaterThan(o LayerID) bool {
	return l.Spatial > o.Spatial || (l.Spatial == o.Spatial && l.Temporal > o.Temporal)
}

// Layer is one simulcast encoding of a track: a coordinate plus the
// encoding parameters needed to decide whether a subscriber's bandwidth
// can sustain it.
type Layer struct {
	ID              LayerID
	Width, Height   int32
	FrameRate       float32
	TargetBitrate   int64 // bps
	Active          atomic.Bool
	LastKeyframeAt  atomic.Int64 // unix nanos, 0 if none seen yet
}

// NewLayer returns a Layer with Active initialized true: layers are
// announced active by default until a subsequent update marks them
// paused.
func NewLayer(id LayerID, width, height int32, fps float32, bitrate int64) *Layer {
	l := &Layer{ID: id, Width: width, Height: height, FrameRate: fps, TargetBitrate: bitrate}
	l.Active.Store(true)
	return l
}

// SwitchReason is carried on LayerSwitched events.
type SwitchReason int

const (
	SwitchReasonBandwidth SwitchReason = iota
	SwitchReasonUserRequest
	SwitchReasonQualityAdaptation
	SwitchReasonErrorRecovery
)

func (r SwitchReason) String() string {
	switch r {
	case SwitchReasonBandwidth:
		return "bandwidth"
	case SwitchReasonUserRequest:
		return "user_request"
	case SwitchReasonQualityAdaptation:
		return "quality_adaptation"
	case SwitchReasonErrorRecovery:
		return "error_recovery"
	default:
		return "unknown"
	}
}

// EdgeState is the per-edge state machine the layer selector drives.
type EdgeState int32

const (
	EdgeStateInitializing EdgeState = iota
	EdgeStateActive
	EdgeStateUpshifting
	EdgeStateDownshifting
	EdgeStateClosed
)

func (s EdgeState) String() string {
	switch s {
	case EdgeStateInitializing:
		return "initializing"
	case EdgeStateActive:
		return "active"
	case EdgeStateUpshifting:
		return "upshifting"
	case EdgeStateDownshifting:
		return "downshifting"
	case EdgeStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BandwidthInfo is the last bandwidth estimate known for a participant,
// independent of any single edge's smoothed per-edge estimate.
type BandwidthInfo struct {
	UploadBps     atomic.Int64
	DownloadBps   atomic.Int64
	LastUpdatedAt atomic.Int64 // unix nanos
}
