package graph

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/livekit/sfu-core/pkg/sfu/packetpool"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// FailureBudget is the number of consecutive egress failures (default
// K=16) after which an edge is torn down.
const FailureBudget = 16

// Outbound pairs a shared ingress packet with the sequence number and
// timestamp rewritten for one specific edge. The underlying buffer
// (Packet.Bytes()) is shared and read-only across every edge forwarding
// the same ingress packet; only the header fields carried alongside it
// differ per edge.
type Outbound struct {
	Packet    *packetpool.Packet
	Sequence  uint16
	Timestamp uint32
}

// SendFunc delivers one forwarded packet to the subscriber's transport.
// Implementations must respect ctx's deadline; the egress loop counts a
// context deadline exceeded the same as any other error.
type SendFunc func(ctx context.Context, out Outbound) error

// Edge is one forwarding relationship between a publisher's track and a
// subscriber. Counters, estimates, sequence/timestamp state and the PLI
// and failure flags are atomics. The selected layer and the edge state
// are guarded by an RWMutex, which the router takes on every packet it
// forwards.
type Edge struct {
	Publisher  types.SessionId
	Subscriber types.SessionId
	Track      types.TrackId

	createdAt time.Time

	mu           sync.RWMutex
	selected     types.LayerID
	state        types.EdgeState

	nextSeq       atomic.Uint32 // next sequence number to assign, mod 2^16
	tsOffset      atomic.Int64  // signed offset added to source timestamps
	haveOffset    atomic.Bool
	egressCount   atomic.Uint64
	egressBytes   atomic.Uint64
	dropCount     atomic.Uint64 // edge_drops
	pliCount      atomic.Uint64

	bandwidthEstimate atomic.Float64 // B̂, bps
	lossEstimate      atomic.Float64 // L̂, fraction
	lastLayerChangeAt atomic.Int64   // unix nanos

	pendingPLI    atomic.Bool
	pliIssuedAt   atomic.Int64

	consecutiveFailures atomic.Int32
	degraded            atomic.Bool

	queue *boundedQueue
	send  SendFunc

	closed atomic.Bool
}

// NewEdge constructs an Edge in the Initializing state with a bounded
// egress queue (default depth 256).
func NewEdge(publisher, subscriber types.SessionId, track types.TrackId, queueDepth int, send SendFunc) *Edge {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Edge{
		Publisher:  publisher,
		Subscriber: subscriber,
		Track:      track,
		createdAt:  time.Now(),
		selected:   types.InvalidLayer,
		state:      types.EdgeStateInitializing,
		queue:      newBoundedQueue(queueDepth),
		send:       send,
	}
}

func (e *Edge) Key() types.EdgeKey {
	return types.EdgeKey{Publisher: e.Publisher, Track: e.Track}
}

// SelectedLayer returns the layer the layer selector has most recently
// chosen for this edge.
func (e *Edge) SelectedLayer() types.LayerID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.selected
}

// SetSelectedLayer updates the selected layer and records the switch
// time used by the selector's hysteresis.
func (e *Edge) SetSelectedLayer(l types.LayerID) {
	e.mu.Lock()
	e.selected = l
	e.mu.Unlock()
	e.lastLayerChangeAt.Store(time.Now().UnixNano())
}

func (e *Edge) LastLayerChangeAt() time.Time {
	ns := e.lastLayerChangeAt.Load()
	if ns == 0 {
		return e.createdAt
	}
	return time.Unix(0, ns)
}

func (e *Edge) State() types.EdgeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Edge) SetState(s types.EdgeState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// NextSequence assigns and returns the next outgoing sequence number for
// this edge's contiguous stream, wrapping modulo 2^16.
func (e *Edge) NextSequence() uint16 {
	return uint16(e.nextSeq.Inc() - 1)
}

// PeekSequence reports the next sequence number without consuming it,
// used when deciding whether a forwarded packet would be the first of a
// new layer (offset recompute point).
func (e *Edge) PeekSequence() uint16 {
	return uint16(e.nextSeq.Load())
}

// RewriteTimestamp returns the outgoing timestamp for a source timestamp,
// applying the edge's current offset. ResetOffset must be called once
// per layer switch before the first packet of the new layer is
// rewritten, so the edge's timeline stays monotonic and gap-free across
// layer switches.
func (e *Edge) RewriteTimestamp(sourceTs uint32) uint32 {
	off := e.tsOffset.Load()
	return uint32(int64(sourceTs) + off)
}

// ResetOffset recomputes the timestamp offset so that forwarding sourceTs
// next produces continuousTs, used on the first packet forwarded after a
// layer switch or subscription start.
func (e *Edge) ResetOffset(sourceTs, continuousTs uint32) {
	e.tsOffset.Store(int64(continuousTs) - int64(sourceTs))
	e.haveOffset.Store(true)
}

func (e *Edge) HasOffset() bool {
	return e.haveOffset.Load()
}

// TryEnqueue attempts a non-blocking enqueue onto the egress queue.
// Returns false if the queue is full, in which case the caller must
// count an edge_drops and release the packet's reference: the router
// drops the edge-local packet, never the shared ingress buffer.
func (e *Edge) TryEnqueue(out Outbound) bool {
	if e.queue.TryEnqueue(out) {
		return true
	}
	e.dropCount.Inc()
	return false
}

// CountDrop records an edge_drops event for a packet that was never
// enqueued at all, e.g. filtered by temporal-layer selection rather than
// by a full queue.
func (e *Edge) CountDrop() {
	e.dropCount.Inc()
}

// Dequeue blocks until a packet is available or the edge is closed.
func (e *Edge) Dequeue() (Outbound, bool) {
	return e.queue.Dequeue()
}

// Send delivers out to the subscriber via the configured SendFunc,
// updating the failure budget and egress counters. Returns the error (if
// any) so the caller can log it; RecordFailure/RecordSuccess have
// already been applied.
func (e *Edge) Send(ctx context.Context, out Outbound) error {
	err := e.send(ctx, out)
	if err != nil {
		e.RecordFailure()
	} else {
		if out.Packet != nil {
			e.egressBytes.Add(uint64(len(out.Packet.Bytes())))
		}
		e.RecordSuccess()
	}
	return err
}

// RunEgressLoop drains the egress queue until it is closed, sending each
// packet with a deadline of sendDeadline and releasing its reference
// exactly once regardless of outcome. It calls onBudgetExhausted and
// returns as soon as the consecutive-failure budget is spent, leaving
// final teardown (which closes and drains the queue) to the caller.
func (e *Edge) RunEgressLoop(sendDeadline time.Duration, onBudgetExhausted func(*Edge)) {
	for {
		out, ok := e.Dequeue()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendDeadline)
		err := e.Send(ctx, out)
		cancel()
		out.Packet.Release()
		if err != nil && e.consecutiveFailures.Load() >= FailureBudget {
			if onBudgetExhausted != nil {
				onBudgetExhausted(e)
			}
			return
		}
	}
}

func (e *Edge) RecordSuccess() {
	e.consecutiveFailures.Store(0)
	e.degraded.Store(false)
	e.egressCount.Inc()
}

// RecordFailure increments the consecutive-failure counter and marks the
// edge degraded. Returns true once the failure budget (default 16,
// budget) has been exhausted and the edge should be torn down.
func (e *Edge) RecordFailure() bool {
	e.degraded.Store(true)
	n := e.consecutiveFailures.Inc()
	return n >= FailureBudget
}

func (e *Edge) Degraded() bool {
	return e.degraded.Load()
}

// RequestPLI marks a PLI as outstanding for this edge's (track,
// spatial_id), coalescing outstanding requests: returns true (the caller
// should issue the PLI upstream) if this call transitioned pending
// false->true, or if the outstanding PLI is at least timeout old and is
// re-issued; false if one is outstanding and younger than timeout. Each
// true result increments PLICount.
func (e *Edge) RequestPLI(timeout time.Duration) bool {
	if e.pendingPLI.CompareAndSwap(false, true) {
		e.pliIssuedAt.Store(time.Now().UnixNano())
		e.pliCount.Inc()
		return true
	}
	issuedAt := time.Unix(0, e.pliIssuedAt.Load())
	if time.Since(issuedAt) >= timeout {
		e.pliIssuedAt.Store(time.Now().UnixNano())
		e.pliCount.Inc()
		return true
	}
	return false
}

// ClearPLI is called once a keyframe for the outstanding layer arrives.
func (e *Edge) ClearPLI() {
	e.pendingPLI.Store(false)
}

func (e *Edge) PLIOutstanding() bool {
	return e.pendingPLI.Load()
}

func (e *Edge) SetBandwidthEstimate(bps float64) { e.bandwidthEstimate.Store(bps) }
func (e *Edge) BandwidthEstimate() float64       { return e.bandwidthEstimate.Load() }
func (e *Edge) SetLossEstimate(frac float64)     { e.lossEstimate.Store(frac) }
func (e *Edge) LossEstimate() float64            { return e.lossEstimate.Load() }

func (e *Edge) EgressCount() uint64 { return e.egressCount.Load() }
func (e *Edge) EgressBytes() uint64 { return e.egressBytes.Load() }
func (e *Edge) DropCount() uint64   { return e.dropCount.Load() }
func (e *Edge) PLICount() uint64    { return e.pliCount.Load() }

// Close marks the edge closed and drains the queue, releasing every
// still-queued packet's reference so the packet pool invariant (ref count
// reaches zero within one send_deadline) holds even for packets that
// never got a chance to be sent.
func (e *Edge) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.SetState(types.EdgeStateClosed)
	e.queue.Close(func(out Outbound) {
		if out.Packet != nil {
			out.Packet.Release()
		}
	})
}

func (e *Edge) Closed() bool {
	return e.closed.Load()
}
