package main

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pion/rtp"

	"github.com/livekit/sfu-core/pkg/sfu/graph"
	"github.com/livekit/sfu-core/pkg/sfu/types"
	"github.com/livekit/sfu-core/pkg/sfu/wire"
)

// publishAnnounce is the first thing a publisher writes on a newly opened
// media substream, standing in for the signalling-layer track
// announcement this module doesn't implement: media kind, codec name,
// negotiated payload type and clock rate.
type publishAnnounce struct {
	Kind        types.MediaKind
	CodecName   string
	PayloadType uint8
	ClockRate   uint32
}

func readPublishAnnounce(r io.Reader) (publishAnnounce, error) {
	var header [7]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return publishAnnounce{}, fmt.Errorf("read announce header: %w", err)
	}
	nameLen := header[6]
	name := make([]byte, nameLen)
	if nameLen > 0 {
		if _, err := io.ReadFull(r, name); err != nil {
			return publishAnnounce{}, fmt.Errorf("read codec name: %w", err)
		}
	}
	return publishAnnounce{
		Kind:        types.MediaKind(header[0]),
		PayloadType: header[1],
		ClockRate:   binary.BigEndian.Uint32(header[2:6]),
		CodecName:   string(name),
	}, nil
}

// readFramed reads one length-prefixed RTP packet into buf and returns its
// length. Framing is a plain uint16 byte count since QUIC substreams
// already provide reliable, ordered, flow-controlled delivery: there's no
// loss or reordering left for the frame format itself to guard against.
func readFramed(r io.Reader, buf []byte) (int, error) {
	var lenPrefix [2]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint16(lenPrefix[:]))
	if n > len(buf) {
		return 0, fmt.Errorf("readFramed: frame of %d bytes exceeds buffer of %d", n, len(buf))
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// writeFramedRTP rewrites out's RTP header fields (sequence, timestamp)
// for this edge, marshals the packet, and writes it length-prefixed.
func writeFramedRTP(w io.Writer, out graph.Outbound) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    out.Packet.PayloadType,
			SequenceNumber: out.Sequence,
			Timestamp:      out.Timestamp,
			SSRC:           out.Packet.SSRC,
		},
		Payload: out.Packet.Bytes(),
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp packet: %w", err)
	}
	if len(buf) > 0xFFFF {
		return fmt.Errorf("writeFramedRTP: packet of %d bytes exceeds frame limit", len(buf))
	}
	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func wirePictureLossIndication(track types.TrackId, spatial int32) ([]byte, error) {
	return wire.Encode(wire.PictureLossIndication{Track: track, Spatial: spatial})
}

// feedbackReader reassembles wire records split across successive Read
// calls on a substream; append returns the complete ones to its caller.
type feedbackReader struct {
	pending []byte
}

// append folds newly read bytes into the reassembly buffer and returns the
// slice of complete records ready to hand to Processor.Handle, consuming
// them from the buffer. A malformed header aborts reassembly entirely, the
// caller's cue to close the substream.
func (f *feedbackReader) append(chunk []byte) ([]byte, error) {
	f.pending = append(f.pending, chunk...)

	end := 0
	for {
		total, ok, err := wire.PeekLength(f.pending[end:])
		if err != nil {
			return nil, err
		}
		if !ok || end+total > len(f.pending) {
			break
		}
		end += total
	}
	ready := f.pending[:end]
	f.pending = append([]byte(nil), f.pending[end:]...)
	return ready, nil
}
