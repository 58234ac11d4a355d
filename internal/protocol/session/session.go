package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/lifecycle"
	"github.com/danmuck/peerwire/internal/observability"
	"github.com/danmuck/peerwire/internal/protocol"
	"github.com/danmuck/peerwire/internal/protocol/extension"
	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrClosed     = errors.New("session: closed")
	errPeerClosed = errors.New("session: peer closed connection")
)

// Metrics receives per-frame observations. Implementations must be safe for
// concurrent use by many sessions.
type Metrics interface {
	FrameIn(kind string, size int)
	FrameOut(kind string, size int)
	DecodeError(class string)
	Dispatch(d time.Duration)
	ProducerSkipped(n int)
}

type noopMetrics struct{}

func (noopMetrics) FrameIn(string, int)    {}
func (noopMetrics) FrameOut(string, int)   {}
func (noopMetrics) DecodeError(string)     {}
func (noopMetrics) Dispatch(time.Duration) {}
func (noopMetrics) ProducerSkipped(int)    {}

// Params assembles one session. Router, agents and hooks are built by the
// caller for this connection only.
type Params struct {
	ID       string
	Peer     string
	Outgoing bool
	Config   Config
	Remote   Handshake
	Router   *extension.Router
	Agents   []bus.Agent
	Hooks    *lifecycle.Hooks
	Logger   zerolog.Logger
	Metrics  Metrics
}

// Info is a point-in-time view of a session, safe to read from any goroutine.
type Info struct {
	ID          string         `json:"id"`
	Peer        string         `json:"peer"`
	RemotePeer  string         `json:"remote_peer_id"`
	Client      string         `json:"client,omitempty"`
	Negotiated  bool           `json:"negotiated"`
	Extensions  map[string]int `json:"extensions,omitempty"`
	FramesIn    int            `json:"frames_in"`
	FramesOut   int            `json:"frames_out"`
	Skipped     int            `json:"producer_skipped"`
	ConnectedAt time.Time      `json:"connected_at"`
	Closed      bool           `json:"closed"`
}

// Session is one peer connection: receive buffer, extension router, agent
// bus and outbox.
type Session struct {
	cfg     Config
	peer    string
	remote  Handshake
	buf     *frame.Buffer
	router  *extension.Router
	bus     *bus.Bus
	outbox  *Outbox
	log     zerolog.Logger
	metrics Metrics

	mu     sync.Mutex
	info   Info
	closed bool
}

func New(p Params) *Session {
	cfg := p.Config.withDefaults()
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	router := p.Router
	if router == nil {
		router = extension.NewRouter(message.DefaultRegistry(), extension.Table{})
	}
	logger := observability.ConnLogger(p.Logger, id, p.Peer, p.Outgoing)
	s := &Session{
		cfg:     cfg,
		peer:    p.Peer,
		remote:  p.Remote,
		buf:     frame.NewBuffer(cfg.Limits),
		router:  router,
		outbox:  NewOutbox(cfg.OutboxLimit),
		log:     logger,
		metrics: metrics,
		info: Info{
			ID:          id,
			Peer:        p.Peer,
			RemotePeer:  fmt.Sprintf("%x", p.Remote.PeerID),
			ConnectedAt: time.Now(),
		},
	}
	s.bus = bus.New(bus.Env{
		Peer:       p.Peer,
		SessionID:  id,
		Logger:     logger,
		Extensions: router,
	}, p.Hooks, p.Agents...)
	return s
}

func (s *Session) ID() string {
	return s.info.ID
}

func (s *Session) Peer() string {
	return s.peer
}

// Remote returns the peer's connection handshake.
func (s *Session) Remote() Handshake {
	return s.remote
}

func (s *Session) Router() *extension.Router {
	return s.router
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.info
	if s.info.Extensions != nil {
		out.Extensions = make(map[string]int, len(s.info.Extensions))
		for k, v := range s.info.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}

// Enqueue schedules msg for the next tick. Safe from any goroutine.
func (s *Session) Enqueue(msg message.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.outbox.Push(msg)
}

// Receive buffers p and processes every complete frame in arrival order.
// Each frame is fully dispatched before the next one is decoded. A returned
// error is fatal to the connection.
func (s *Session) Receive(ctx context.Context, p []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	_, _ = s.buf.Write(p)
	for {
		f, err := s.buf.Next()
		if errors.Is(err, protocol.ErrNeedMoreBytes) {
			return nil
		}
		if err != nil {
			s.metrics.DecodeError(errorClass(err))
			return err
		}
		if err := s.handleFrame(ctx, f); err != nil {
			return err
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, f frame.Frame) error {
	msg, err := s.router.DecodeFrame(f)
	if err != nil {
		s.metrics.DecodeError(errorClass(err))
		if s.tolerable(err) {
			s.log.Warn().Err(err).Uint8("id", f.ID).Int("len", len(f.Payload)).Msg("dropping frame")
			return nil
		}
		return err
	}
	key := message.KeyOf(msg)
	s.metrics.FrameIn(key.String(), f.Size())
	s.log.Trace().Str("message", key.String()).Int("size", f.Size()).Msg("frame in")

	started := time.Now()
	if err := s.bus.Dispatch(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("message", key.String()).Msg("consumer error")
	}
	s.metrics.Dispatch(time.Since(started))
	s.noteIn(key)
	return nil
}

// tolerable reports decode failures that drop the frame but keep the
// connection open.
func (s *Session) tolerable(err error) bool {
	switch {
	case errors.Is(err, protocol.ErrUnknownMessageType):
		return s.cfg.SkipUnknown
	case errors.Is(err, extension.ErrNotNegotiated), errors.Is(err, extension.ErrAlreadyNegotiated):
		return true
	default:
		return false
	}
}

// Tick polls the outbox and every producer once and returns the encoded
// frames to write, in outbox then producer registration order.
func (s *Session) Tick(ctx context.Context) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	pending := s.outbox.Drain()
	before := s.bus.Stats().Skipped
	produced, err := s.bus.Produce(ctx, s.router.Sendable)
	if err != nil {
		s.log.Warn().Err(err).Msg("producer error")
	}
	if skipped := s.bus.Stats().Skipped - before; skipped > 0 {
		s.metrics.ProducerSkipped(skipped)
	}
	var out []byte
	sent := 0
	for _, msg := range append(pending, produced...) {
		f, err := s.router.EncodeMessage(msg)
		if err != nil {
			s.log.Warn().Err(err).Str("message", message.KeyOf(msg).String()).Msg("dropping outgoing message")
			continue
		}
		if f.Len() > s.cfg.Limits.MaxFrameBytes {
			s.log.Warn().Uint32("len", f.Len()).Msg("dropping oversized outgoing frame")
			continue
		}
		out = frame.Append(out, f)
		s.metrics.FrameOut(message.KeyOf(msg).String(), f.Size())
		sent++
	}
	s.noteOut(sent)
	return out, nil
}

// Run drives the session over conn until ctx ends, the peer disconnects or
// a fatal protocol error occurs. A read loop feeds a single processing loop
// that owns all session state; a clean peer close returns nil.
func (s *Session) Run(ctx context.Context, conn net.Conn) error {
	defer s.Close()
	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan []byte, 8)

	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		defer close(chunks)
		return s.readLoop(gctx, conn, chunks)
	})
	g.Go(func() error {
		return s.processLoop(gctx, conn, chunks)
	})

	err := g.Wait()
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errPeerClosed):
		s.log.Info().Msg("peer closed connection")
		return nil
	default:
		return err
	}
}

func (s *Session) readLoop(ctx context.Context, conn net.Conn, chunks chan<- []byte) error {
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.SessionDeadAfter)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return errPeerClosed
			}
			return err
		}
	}
}

func (s *Session) processLoop(ctx context.Context, conn net.Conn, chunks <-chan []byte) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	if err := s.flush(ctx, conn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if err := s.Receive(ctx, chunk); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.flush(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (s *Session) flush(ctx context.Context, conn net.Conn) error {
	out, err := s.Tick(ctx)
	if err != nil || len(out) == 0 {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(out)
	return err
}

// Close discards the buffered partial frame and pending outbox. No partially
// received message is ever dispatched after Close.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.info.Closed = true
	s.buf.Reset()
	s.outbox.Drain()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) noteIn(key message.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.FramesIn++
	if key.Extension == extension.HandshakeName {
		s.info.Negotiated = s.router.Negotiated()
		s.info.Extensions = s.router.Remote().Map()
		if hs, ok := s.router.PeerHandshake(); ok {
			s.info.Client = hs.Client
		}
	}
}

func (s *Session) noteOut(sent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.FramesOut += sent
	s.info.Skipped = s.bus.Stats().Skipped
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, protocol.ErrOversizedFrame):
		return "oversized"
	case errors.Is(err, protocol.ErrMalformedEncoding):
		return "malformed"
	case errors.Is(err, protocol.ErrUnknownMessageType):
		return "unknown"
	case errors.Is(err, protocol.ErrInvalidMessageValue):
		return "invalid_value"
	case errors.Is(err, extension.ErrNotNegotiated), errors.Is(err, extension.ErrAlreadyNegotiated):
		return "negotiation"
	default:
		return "other"
	}
}
