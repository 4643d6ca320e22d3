package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livekit/sfu-core/pkg/config"
	"github.com/livekit/sfu-core/pkg/sfu/codec"
	"github.com/livekit/sfu-core/pkg/sfu/feedback"
	"github.com/livekit/sfu-core/pkg/sfu/graph"
	"github.com/livekit/sfu-core/pkg/sfu/packetpool"
	"github.com/livekit/sfu-core/pkg/sfu/registry"
	"github.com/livekit/sfu-core/pkg/sfu/router"
	"github.com/livekit/sfu-core/pkg/sfu/selector"
	"github.com/livekit/sfu-core/pkg/sfu/session"
	"github.com/livekit/sfu-core/pkg/sfu/stats"
	"github.com/livekit/sfu-core/pkg/sfu/transport"
	"github.com/livekit/sfu-core/pkg/sfu/transport/quictransport"
	"github.com/livekit/sfu-core/pkg/sfu/types"
	"github.com/livekit/sfu-core/pkg/sfu/wire"
)

// quicALPN is the application protocol negotiated on every QUIC
// connection this listener accepts, distinguishing it from any other
// QUIC-based service sharing the host.
const quicALPN = "sfu-core/1"

// server is the composition root: it wires every pkg/sfu package into a
// runnable process and owns the accept loop over the QUIC listener.
type server struct {
	conf   *config.Config
	logger logr.Logger

	pool      *packetpool.Pool
	registry  *registry.Registry
	graph     *graph.Graph
	codecs    *codec.Registry
	selector  *selector.Selector
	router    *router.Router
	feedback  *feedback.Processor
	session   *session.Manager
	collector *stats.Collector

	listener *quictransport.Listener
	metrics  *http.Server

	nextSessionID atomic64
	nextTrackID   atomic64

	mu          sync.Mutex
	connections map[types.SessionId]transport.Connection
}

// atomic64 is a tiny monotonic id generator; wrapped in its own type so
// server's field list documents its purpose without importing go.uber.org/atomic
// just for two counters.
type atomic64 struct {
	mu sync.Mutex
	n  uint64
}

func (a *atomic64) next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return a.n
}

func newServer(conf *config.Config, logger logr.Logger) (*server, error) {
	pool := packetpool.NewPool(conf.Session.PacketPoolCapacity, packetpool.DefaultMTU)
	reg := registry.New()
	g := graph.New()
	codecs := codec.NewRegistry()
	for _, c := range conf.Codecs {
		switch strings.ToLower(c.Name) {
		case "opus":
			codecs.Register(c.PayloadType, codec.NewOpus())
		case "vp9":
			codecs.Register(c.PayloadType, codec.NewVP9())
		case "h264":
			codecs.Register(c.PayloadType, codec.NewH264())
		default:
			logger.Info("unknown codec in config, skipping", "name", c.Name)
		}
	}

	sel := selector.New(selector.Params{
		SafetyMargin: conf.Selector.SafetyMargin,
		LossMax:      conf.Selector.LossMax,
		UpMultiplier: conf.Selector.UpMultiplier,
		UpHold:       conf.Selector.UpHold,
		DownHold:     conf.Selector.DownHold,
		EvalInterval: conf.Selector.EvalInterval,
		EWMAHalfLife: conf.Selector.EWMAHalfLife,
	}, logger.WithName("selector"))

	collector := stats.New(reg, g)
	sel.OnSwitch(func(reason types.SwitchReason) {
		collector.IncLayerSwitch(reason.String())
	})

	s := &server{
		conf:        conf,
		logger:      logger,
		pool:        pool,
		registry:    reg,
		graph:       g,
		codecs:      codecs,
		selector:    sel,
		collector:   collector,
		connections: make(map[types.SessionId]transport.Connection),
	}

	s.router = router.New(router.Params{
		Pool:       pool,
		Registry:   reg,
		Graph:      g,
		Codecs:     codecs,
		Selector:   sel,
		PLITimeout: conf.Router.PLITimeout,
		OnPLI:      s.requestUpstreamPLI,
		Logger:     logger.WithName("router"),
	})
	s.router.OnStats(collector.IncIngressDrop, collector.IncPoolExhausted)

	s.feedback = feedback.New(feedback.Params{
		Graph:          g,
		Registry:       reg,
		Selector:       sel,
		PLITimeout:     conf.Router.PLITimeout,
		OnPLI:          s.requestUpstreamPLI,
		OnSenderReport: s.onSenderReport,
		OnSubscribe:    s.onSubscribeRequest,
		OnUnsubscribe:  s.onUnsubscribeRequest,
		Logger:         logger.WithName("feedback"),
	})

	s.session = session.New(session.Limits{
		MaxParticipants:     int(conf.Session.MaxParticipants),
		MaxSubscriptionsPer: int(conf.Session.MaxSubscriptionsPer),
		EgressQueueDepth:    conf.Session.EgressQueueDepth,
	}, reg, g, sel, s.onParticipantRemoved, s.onPublisherLeft, logger.WithName("session"))

	return s, nil
}

func (s *server) requestUpstreamPLI(track types.TrackId, spatial int32) {
	t, err := s.registry.Lookup(track)
	if err != nil {
		return
	}
	conn, ok := s.connectionFor(t.Owner)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.Router.PLITimeout)
	defer cancel()
	stream, err := conn.OpenSubstream(ctx, transport.SubstreamFeedback)
	if err != nil {
		s.logger.Error(err, "open PLI substream failed", "track", track)
		return
	}
	defer stream.Close()
	buf, err := wirePictureLossIndication(track, spatial)
	if err != nil {
		return
	}
	if _, err := stream.Write(buf); err != nil {
		s.logger.Error(err, "write PLI failed", "track", track)
	}
}

func (s *server) onSenderReport(track types.TrackId, report wire.SenderReport) {
	t, err := s.registry.Lookup(track)
	if err != nil {
		return
	}
	t.AggregateBitrate.Store(int64(report.OctetCount) * 8)
}

// onPublisherLeft notifies a subscriber edge's subscriber that the track
// it was subscribed to is gone because its publisher disconnected.
func (s *server) onPublisherLeft(e *graph.Edge) {
	s.notifySubscriber(e.Subscriber, wire.PublisherLeft{Track: e.Track})
}

// notifySubscriber opens a fresh feedback substream to subscriber and
// writes one wire record, mirroring requestUpstreamPLI's one-shot
// control-message pattern. Best-effort: failures are logged, never
// propagated, since the caller (teardown paths) has nothing useful to do
// with them.
func (s *server) notifySubscriber(subscriber types.SessionId, msg any) {
	conn, ok := s.connectionFor(subscriber)
	if !ok {
		return
	}
	buf, err := wire.Encode(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.OpenSubstream(ctx, transport.SubstreamFeedback)
	if err != nil {
		s.logger.Error(err, "open notify substream failed", "subscriber", subscriber)
		return
	}
	defer stream.Close()
	if _, err := stream.Write(buf); err != nil {
		s.logger.Error(err, "write notify failed", "subscriber", subscriber)
	}
}

func (s *server) onParticipantRemoved(id types.SessionId) {
	s.mu.Lock()
	conn, ok := s.connections[id]
	delete(s.connections, id)
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
	s.collector.SetSessions(s.session.ParticipantCount())
}

func (s *server) connectionFor(id types.SessionId) (transport.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[id]
	return conn, ok
}

// Run starts the metrics server and the QUIC accept loop, blocking until
// ctx is cancelled or Stop is called.
func (s *server) Run(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	if err := stats.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.metrics = &http.Server{Addr: fmt.Sprintf(":%d", s.conf.PrometheusPort), Handler: mux}
	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(err, "metrics server stopped")
		}
	}()

	tlsConfig, err := s.conf.QUIC.LoadTLSConfig(s.conf.Development)
	if err != nil {
		return fmt.Errorf("quic tls config: %w", err)
	}
	tlsConfig.NextProtos = []string{quicALPN}

	ln, err := quictransport.Listen(quictransport.ListenParams{
		Addr:      s.conf.QUIC.BindAddress,
		TLSConfig: tlsConfig,
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	go s.scrapeLoop(ctx)

	s.logger.Info("listening", "addr", ln.Addr())
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error(err, "accept failed")
				return err
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *server) scrapeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.conf.Selector.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collector.Scrape()
		}
	}
}

// Stop tears down every active session and closes the listener. Safe to
// call once; RunEgressLoop/accept goroutines unwind on their own once the
// listener and session manager are closed.
func (s *server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.session.Shutdown()
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.metrics.Shutdown(ctx)
	}
}

func (s *server) handleConnection(ctx context.Context, conn transport.Connection) {
	id := types.SessionId(s.nextSessionID.next())
	if _, err := s.session.Admit(id, conn); err != nil {
		s.logger.Error(err, "admit failed", "session", id)
		conn.Close()
		return
	}
	s.mu.Lock()
	s.connections[id] = conn
	s.mu.Unlock()
	s.collector.SetSessions(s.session.ParticipantCount())

	for {
		stream, err := conn.AcceptSubstream(ctx)
		if err != nil {
			s.session.RemoveParticipant(id)
			return
		}
		switch stream.Kind() {
		case transport.SubstreamFeedback:
			go s.readFeedback(id, stream)
		case transport.SubstreamMedia:
			go s.readPublishedTrack(id, stream)
		}
	}
}

func (s *server) readFeedback(subscriber types.SessionId, stream transport.Substream) {
	defer stream.Close()
	buf := make([]byte, 2048)
	var reader feedbackReader
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			ready, ferr := reader.append(buf[:n])
			if ferr != nil {
				s.logger.Error(ferr, "malformed feedback framing", "subscriber", subscriber)
				return
			}
			if len(ready) > 0 {
				if herr := s.feedback.Handle(subscriber, ready); herr != nil {
					s.logger.V(1).Info("feedback handle error", "err", herr, "subscriber", subscriber)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *server) readPublishedTrack(owner types.SessionId, stream transport.Substream) {
	defer stream.Close()
	announce, err := readPublishAnnounce(stream)
	if err != nil {
		s.logger.Error(err, "read publish announce failed", "session", owner)
		return
	}

	track := types.NewPublishedTrack(types.TrackId(s.nextTrackID.next()), owner, announce.Kind, types.CodecDescriptor{
		Name:        announce.CodecName,
		PayloadType: announce.PayloadType,
		ClockRate:   announce.ClockRate,
	})
	if err := s.session.Publish(owner, track); err != nil {
		s.logger.Error(err, "publish failed", "session", owner)
		return
	}
	defer s.session.Unpublish(track.ID)

	buf := make([]byte, packetpool.DefaultMTU+16)
	for {
		n, rerr := readFramed(stream, buf)
		if rerr != nil {
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			track.MalformedIngress.Inc()
			continue
		}
		if err := s.router.Route(track.ID, pkt, time.Now()); err != nil {
			s.logger.V(1).Info("route failed", "err", err, "track", track.ID)
		}
	}
}

func (s *server) onSubscribeRequest(subscriber types.SessionId, trackID types.TrackId) {
	conn, ok := s.connectionFor(subscriber)
	if !ok {
		return
	}
	track, err := s.registry.Lookup(trackID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.OpenSubstream(ctx, transport.SubstreamMedia)
	if err != nil {
		s.logger.Error(err, "open egress substream failed", "subscriber", subscriber, "track", trackID)
		return
	}
	newEdge := graph.NewEdge(track.Owner, subscriber, trackID, s.conf.Session.EgressQueueDepth, func(ctx context.Context, out graph.Outbound) error {
		return writeFramedRTP(stream, out)
	})

	if _, err := s.session.Subscribe(subscriber, trackID, newEdge); err != nil {
		s.logger.Error(err, "subscribe failed", "subscriber", subscriber, "track", trackID)
		stream.Close()
		return
	}

	go func() {
		newEdge.RunEgressLoop(s.conf.Session.SendDeadline, func(e *graph.Edge) {
			s.session.Unsubscribe(subscriber, trackID)
			s.notifySubscriber(subscriber, wire.SubscriberUnreachable{Track: trackID})
		})
		stream.Close()
	}()
}

func (s *server) onUnsubscribeRequest(subscriber types.SessionId, trackID types.TrackId) {
	s.session.Unsubscribe(subscriber, trackID)
	s.feedback.Forget(trackID, subscriber)
}
