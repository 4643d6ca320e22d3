package types

import (
	"sync"
	"time"
)

// EdgeKey identifies a forwarding edge by its two endpoints.
type EdgeKey struct {
	Publisher SessionId
	Track     TrackId
}

// Transport is the narrow slice of pkg/sfu/transport.Connection the data
// model needs to reference a participant's connection without importing
// the transport package (which would create an import cycle back into
// types). Concrete connections satisfy this trivially.
type Transport interface {
	NodeId() NodeId
}

// Participant is a connected session: a publisher of zero or more tracks,
// a subscriber of zero or more edges, and a bandwidth estimate for the
// participant as a whole. The layer selector does not read it; it works
// from per-edge estimates only.
type Participant struct {
	ID        SessionId
	Transport Transport
	Bandwidth BandwidthInfo

	mu            sync.RWMutex
	published     map[TrackId]*PublishedTrack
	subscribed    map[EdgeKey]struct{}
}

func NewParticipant(id SessionId, transport Transport) *Participant {
	return &Participant{
		ID:         id,
		Transport:  transport,
		published:  make(map[TrackId]*PublishedTrack),
		subscribed: make(map[EdgeKey]struct{}),
	}
}

func (p *Participant) AddPublishedTrack(t *PublishedTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[t.ID] = t
}

func (p *Participant) RemovePublishedTrack(id TrackId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.published, id)
}

func (p *Participant) PublishedTracks() []*PublishedTrack {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*PublishedTrack, 0, len(p.published))
	for _, t := range p.published {
		out = append(out, t)
	}
	return out
}

func (p *Participant) AddSubscription(key EdgeKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed[key] = struct{}{}
}

func (p *Participant) RemoveSubscription(key EdgeKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribed, key)
}

func (p *Participant) SubscriptionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribed)
}

func (p *Participant) Subscriptions() []EdgeKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]EdgeKey, 0, len(p.subscribed))
	for k := range p.subscribed {
		out = append(out, k)
	}
	return out
}

// Update records a fresh upload/download estimate and the time it was
// taken.
func (b *BandwidthInfo) Update(uploadBps, downloadBps int64, now time.Time) {
	b.UploadBps.Store(uploadBps)
	b.DownloadBps.Store(downloadBps)
	b.LastUpdatedAt.Store(now.UnixNano())
}
