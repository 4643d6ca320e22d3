// Package quictransport implements pkg/sfu/transport's interfaces over
// github.com/quic-go/quic-go. Every published track gets its own
// flow-controlled substream, so one slow or congested subscriber never
// head-of-line-blocks packets destined for another.
package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/livekit/sfu-core/pkg/sfu/transport"
	"github.com/livekit/sfu-core/pkg/sfu/types"
)

// Connection wraps a quic.Connection, tagging every substream with a
// one-byte kind header so the accept side can route it without an
// out-of-band signal.
type Connection struct {
	nodeID types.NodeId
	qconn  quic.Connection
}

func NewConnection(nodeID types.NodeId, qconn quic.Connection) *Connection {
	return &Connection{nodeID: nodeID, qconn: qconn}
}

func (c *Connection) NodeId() types.NodeId { return c.nodeID }

func (c *Connection) OpenSubstream(ctx context.Context, kind transport.SubstreamKind) (transport.Substream, error) {
	stream, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: open stream: %w", err)
	}
	if _, err := stream.Write([]byte{byte(kind)}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("quictransport: write kind header: %w", err)
	}
	return &Substream{stream: stream, kind: kind}, nil
}

func (c *Connection) AcceptSubstream(ctx context.Context) (transport.Substream, error) {
	stream, err := c.qconn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept stream: %w", err)
	}
	var header [1]byte
	if _, err := stream.Read(header[:]); err != nil {
		stream.Close()
		return nil, fmt.Errorf("quictransport: read kind header: %w", err)
	}
	return &Substream{stream: stream, kind: transport.SubstreamKind(header[0])}, nil
}

func (c *Connection) Close() error {
	return c.qconn.CloseWithError(0, "")
}

// Substream adapts a quic.Stream to transport.Substream.
type Substream struct {
	stream quic.Stream
	kind   transport.SubstreamKind
}

func (s *Substream) Kind() transport.SubstreamKind { return s.kind }
func (s *Substream) Read(p []byte) (int, error)    { return s.stream.Read(p) }
func (s *Substream) Write(p []byte) (int, error)   { return s.stream.Write(p) }
func (s *Substream) Close() error                  { return s.stream.Close() }

// Listener wraps a quic.Listener and assigns each accepted connection a
// NodeId from ListenParams.NodeIDFn, or its remote address when no
// NodeIDFn is supplied.
type Listener struct {
	ql       *quic.Listener
	nodeIDFn func(quic.Connection) types.NodeId
}

// ListenParams configures Listen.
type ListenParams struct {
	Addr       string
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
	// NodeIDFn derives the NodeId for an accepted connection; if nil, a
	// connection's remote address is used, which is sufficient for
	// tests but not a stable participant identity across reconnects.
	NodeIDFn func(quic.Connection) types.NodeId
}

func Listen(params ListenParams) (*Listener, error) {
	ql, err := quic.ListenAddr(params.Addr, params.TLSConfig, params.QUICConfig)
	if err != nil {
		return nil, fmt.Errorf("quictransport: listen: %w", err)
	}
	fn := params.NodeIDFn
	if fn == nil {
		fn = func(c quic.Connection) types.NodeId {
			return types.NodeId(c.RemoteAddr().String())
		}
	}
	return &Listener{ql: ql, nodeIDFn: fn}, nil
}

func (l *Listener) Accept(ctx context.Context) (transport.Connection, error) {
	qconn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept: %w", err)
	}
	return NewConnection(l.nodeIDFn(qconn), qconn), nil
}

func (l *Listener) Close() error {
	return l.ql.Close()
}

func (l *Listener) Addr() string {
	return l.ql.Addr().String()
}
