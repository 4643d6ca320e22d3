// Package transport defines the narrow interfaces the core consumes
// from a connection: a per-participant multiplexed connection that opens
// and accepts independent substreams, one per media track plus one for
// the feedback channel. Concrete adapters live in subpackages (e.g.
// quictransport); the core imports only this package.
package transport

import (
	"context"
	"io"

	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// SubstreamKind distinguishes a substream's purpose so the accept side
// can route it without peeking at its content.
type SubstreamKind uint8

const (
	SubstreamMedia    SubstreamKind = iota // one per published/subscribed track
	SubstreamFeedback                      // the wire-format feedback channel
)

// Substream is one bidirectional or unidirectional stream within a
// Connection. Read/Write follow io.Reader/io.Writer semantics; Close
// releases the underlying transport resource.
type Substream interface {
	io.ReadWriteCloser
	Kind() SubstreamKind
}

// Connection is one participant's transport-level session. Implementations
// must be safe for concurrent OpenSubstream/AcceptSubstream calls.
type Connection interface {
	NodeId() types.NodeId
	OpenSubstream(ctx context.Context, kind SubstreamKind) (Substream, error)
	AcceptSubstream(ctx context.Context) (Substream, error)
	Close() error
}

// Listener accepts inbound Connections, e.g. from a QUIC listener bound
// to a UDP socket.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Close() error
	Addr() string
}
