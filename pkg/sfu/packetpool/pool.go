// Package packetpool implements the fixed-capacity, reference-counted
// buffer pool: one allocation per ingress packet, N readers on egress,
// released back to the pool once every forwarding edge has consumed it.
//
// RTP buffer pooling elsewhere in this codebase uses a plain sync.Pool,
// which is unbounded — GC may evict entries but New() always satisfies a
// Get(). A hard capacity lets ingress be dropped deterministically under
// load instead of growing without bound, so the free list here is a
// buffered channel of reusable buffers rather than sync.Pool; the
// buffer-reuse idiom itself is unchanged.
package packetpool

import (
	"go.uber.org/atomic"

	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// DefaultMTU is the default buffer size, the full 1500-byte Ethernet MTU
// with no headroom taken off for IP/UDP/QUIC overhead.
const DefaultMTU = 1500

// Packet is the reference-counted envelope over an ingress RTP payload.
// It is created once per ingress packet and released back to its pool
// when Release brings the refcount to zero. Callers must call Retain
// once per additional consumer before handing the packet to another
// goroutine, and Release exactly once per Retain (including the initial
// implicit retain of 1 returned by Pool.Get).
type Packet struct {
	buf    []byte
	length int

	Sequence       uint16
	Timestamp      uint32
	SSRC           uint32
	PayloadType    uint8
	Keyframe       bool
	SwitchingPoint bool
	Layer          types.LayerID
	Track          types.TrackId

	refs atomic.Int32
	pool *Pool
}

// Bytes returns the packet's payload. Valid only while the caller holds a
// reference (i.e. between Retain/Get and the matching Release).
func (p *Packet) Bytes() []byte {
	return p.buf[:p.length]
}

// Retain adds one reference. Call before fanning the packet out to an
// additional egress edge.
func (p *Packet) Retain() {
	p.refs.Inc()
}

// Release drops one reference. When the count reaches zero the backing
// buffer is returned to the pool's free list for reuse.
func (p *Packet) Release() {
	if p.refs.Dec() == 0 {
		p.pool.put(p)
	}
}

// RefCount reports the current reference count, for tests and invariant
// checks.
func (p *Packet) RefCount() int32 {
	return p.refs.Load()
}

// Pool is a fixed-capacity allocator of MTU-sized buffers. Exhaustion is
// signalled by Get returning ok=false rather than blocking, matching
// §4.1: "this is preferable to unbounded queueing because it preserves
// latency bounds."
type Pool struct {
	mtu       int
	free      chan *Packet
	exhausted atomic.Uint64
}

// NewPool allocates capacity buffers of size mtu up front and returns a
// Pool that recycles them.
func NewPool(capacity, mtu int) *Pool {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	p := &Pool{
		mtu:  mtu,
		free: make(chan *Packet, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free <- &Packet{buf: make([]byte, mtu), pool: p}
	}
	return p
}

// Get copies payload into a pooled buffer and returns a Packet with a
// refcount of 1, held by the caller (conventionally the router, which
// releases its own initial reference once fan-out is complete — see
// the ingress drop path). ok is false, and the caller must count the drop
// against PoolExhausted, when no buffer is currently free.
func (p *Pool) Get(payload []byte) (*Packet, bool) {
	if len(payload) > p.mtu {
		payload = payload[:p.mtu]
	}
	select {
	case pkt := <-p.free:
		pkt.length = copy(pkt.buf, payload)
		pkt.refs.Store(1)
		pkt.Keyframe = false
		pkt.SwitchingPoint = false
		pkt.Layer = types.InvalidLayer
		return pkt, true
	default:
		p.exhausted.Inc()
		return nil, false
	}
}

func (p *Pool) put(pkt *Packet) {
	select {
	case p.free <- pkt:
	default:
		// Pool was over-provisioned relative to its own capacity (should
		// not happen since every Packet came from this channel) — drop
		// the buffer rather than block a release path.
	}
}

// ExhaustedCount returns the number of Get calls that found no free
// buffer, for the Stats Collector's PoolExhausted counter.
func (p *Pool) ExhaustedCount() uint64 {
	return p.exhausted.Load()
}

// Available reports the number of buffers currently free, mostly useful
// in tests.
func (p *Pool) Available() int {
	return len(p.free)
}
