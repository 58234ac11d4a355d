package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/peerwire/internal/agents"
	"github.com/danmuck/peerwire/internal/agents/exthandshake"
	"github.com/danmuck/peerwire/internal/agents/peerstate"
	"github.com/danmuck/peerwire/internal/auth"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/config"
	"github.com/danmuck/peerwire/internal/lifecycle"
	"github.com/danmuck/peerwire/internal/node"
	"github.com/danmuck/peerwire/internal/observability"
	"github.com/danmuck/peerwire/internal/protocol/message"
	"github.com/danmuck/peerwire/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotRunning     = errors.New("peer: service not running")
	ErrUnknownSession = errors.New("peer: unknown session")
)

// StageDownloadComplete is the stage run for EventAllDataDownloaded.
const StageDownloadComplete = "download.complete"

// Service accepts and dials peer connections for one info hash and runs a
// session per connection. It is also the node behind the admin HTTP API.
type Service struct {
	cfg      config.NodeConfig
	stack    *Stack
	book     *Book
	store    *MetadataStore
	clk      clock.Clock
	rng      *rand.Rand
	infoHash [20]byte
	peerID   [20]byte
	log      zerolog.Logger
	metrics  observability.WireMetrics
	auth     auth.Validator

	router   *gin.Engine
	appeared time.Time
	ready    atomic.Bool

	mu     sync.RWMutex
	runCtx context.Context
	conns  map[string]*peerConn
	wg     sync.WaitGroup
}

type peerConn struct {
	sess     *session.Session
	agents   []bus.Agent
	addr     netip.AddrPort
	outgoing bool
	cancel   context.CancelFunc
}

var _ node.Node = (*Service)(nil)

// NewService validates cfg and assembles the protocol stack. clk may be nil.
func NewService(cfg config.NodeConfig, logger zerolog.Logger, clk clock.Clock) (*Service, error) {
	if err := config.ValidateNodeConfig(cfg); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	infoHash, err := config.ParseInfoHash(cfg.InfoHash)
	if err != nil {
		return nil, err
	}
	peerID, err := cfg.PeerIDOrRandom()
	if err != nil {
		return nil, err
	}
	book, err := NewBook(0)
	if err != nil {
		return nil, err
	}
	store, err := NewMetadataStore(infoHash, cfg.MetadataFile)
	if err != nil {
		return nil, err
	}
	stack, err := Assemble(cfg, Deps{Clock: clk, Book: book, Store: store})
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		stack:    stack,
		book:     book,
		store:    store,
		clk:      clk,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		infoHash: infoHash,
		peerID:   peerID,
		log:      logger.With().Str("node", cfg.ID).Logger(),
		metrics:  observability.NewWireMetrics(cfg.ID),
		auth:     auth.StaticToken{Token: cfg.AdminToken},
		appeared: time.Now(),
		conns:    make(map[string]*peerConn),
	}
	s.router = newRouter(cfg.ID, s.log, cfg.CorsOrigins)
	s.RegisterRoutes()
	return s, nil
}

func (s *Service) NodeID() string {
	return s.cfg.ID
}

func (s *Service) Kind() string {
	return "peerwire"
}

func (s *Service) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Service) Stack() *Stack {
	return s.stack
}

func (s *Service) Book() *Book {
	return s.book
}

func (s *Service) PeerID() [20]byte {
	return s.peerID
}

// Ready reports whether the service is accepting connections.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Run listens on the configured address and blocks until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts peers on ln, serves the admin API when configured and dials
// the bootstrap peers. On return every session has been closed.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})
	if s.cfg.AdminAddr != "" {
		g.Go(func() error {
			return s.serveAdmin(gctx)
		})
	}
	for _, addr := range s.cfg.Bootstrap {
		g.Go(func() error {
			if _, err := s.Dial(gctx, addr); err != nil && gctx.Err() == nil {
				s.log.Warn().Err(err).Str("peer", addr).Msg("bootstrap dial failed")
			}
			return nil
		})
	}

	s.ready.Store(true)
	s.log.Info().Str("listen", ln.Addr().String()).Hex("peer_id", s.peerID[:]).Msg("peer service ready")
	err := g.Wait()
	s.ready.Store(false)

	s.closeAll()
	s.wg.Wait()
	s.mu.Lock()
	s.runCtx = nil
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Info().Msg("peer service stopped")
	return nil
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			pc, err := s.open(ctx, conn, false)
			if err != nil {
				s.log.Debug().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("incoming handshake failed")
				return
			}
			s.run(ctx, conn, pc)
		}()
	}
}

func (s *Service) serveAdmin(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.AdminAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	s.log.Info().Str("addr", s.cfg.AdminAddr).Msg("admin api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin api: %w", err)
	}
	return nil
}

// Dial connects to addr with retry, performs the handshake and starts the
// session in the background. It returns the new session id.
func (s *Service) Dial(ctx context.Context, addr string) (string, error) {
	runCtx := s.runContext()
	if runCtx == nil {
		return "", ErrNotRunning
	}
	var conn net.Conn
	cfg := s.cfg.Session
	err := session.Retry(ctx, s.clk, cfg.Backoff, s.cfg.MaxDialAttempts, s.rng, func(attempt int) error {
		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			s.log.Debug().Err(err).Str("peer", addr).Int("attempt", attempt).Msg("dial failed")
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	return s.Attach(ctx, conn, true)
}

// Attach handshakes over an established conn and runs its session in the
// background until the service stops.
func (s *Service) Attach(ctx context.Context, conn net.Conn, outgoing bool) (string, error) {
	runCtx := s.runContext()
	if runCtx == nil {
		_ = conn.Close()
		return "", ErrNotRunning
	}
	pc, err := s.open(ctx, conn, outgoing)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, conn, pc)
	}()
	return pc.sess.ID(), nil
}

func (s *Service) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runCtx
}

// open exchanges handshakes and builds the session, router and agents for
// conn. conn is closed on failure.
func (s *Service) open(ctx context.Context, conn net.Conn, outgoing bool) (*peerConn, error) {
	local := session.NewHandshake(s.infoHash, s.peerID, true, s.cfg.DHTPort > 0)
	remote, err := session.Exchange(ctx, conn, local, s.cfg.Session.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	id := uuid.NewString()
	peerAddr := conn.RemoteAddr().String()
	router := s.stack.NewRouter()
	if !remote.SupportsExtensions() {
		router.Disable()
	}
	agentSet, err := s.stack.Agents.Build(agents.Conn{
		SessionID:        id,
		Peer:             peerAddr,
		RemoteDHT:        remote.SupportsDHT(),
		RemoteExtensions: remote.SupportsExtensions(),
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	sess := session.New(session.Params{
		ID:       id,
		Peer:     peerAddr,
		Outgoing: outgoing,
		Config:   s.cfg.Session,
		Remote:   remote,
		Router:   router,
		Agents:   agentSet,
		Hooks:    s.stack.Hooks,
		Logger:   s.log,
		Metrics:  s.metrics,
	})
	addr, _ := netip.ParseAddrPort(peerAddr)
	return &peerConn{sess: sess, agents: agentSet, addr: addr, outgoing: outgoing}, nil
}

func (s *Service) run(ctx context.Context, conn net.Conn, pc *peerConn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pc.cancel = cancel

	s.mu.Lock()
	s.conns[pc.sess.ID()] = pc
	s.mu.Unlock()
	s.book.Connected(pc.addr)
	closed := observability.SessionOpened(s.cfg.ID, pc.outgoing)
	defer func() {
		closed()
		s.book.Disconnected(pc.addr)
		s.mu.Lock()
		delete(s.conns, pc.sess.ID())
		s.mu.Unlock()
	}()

	s.log.Info().Str("session_id", pc.sess.ID()).Str("peer", pc.sess.Peer()).Bool("outgoing", pc.outgoing).Msg("session started")
	err := pc.sess.Run(ctx, conn)
	event := s.log.Info()
	if err != nil && !errors.Is(err, context.Canceled) {
		event = s.log.Warn().Err(err)
	}
	event.Str("session_id", pc.sess.ID()).Str("peer", pc.sess.Peer()).Msg("session ended")
}

// Disconnect closes one session.
func (s *Service) Disconnect(id string) error {
	s.mu.RLock()
	pc, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok || pc.cancel == nil {
		return ErrUnknownSession
	}
	pc.cancel()
	return nil
}

func (s *Service) closeAll() {
	for _, pc := range s.snapshotConns() {
		if pc.cancel != nil {
			pc.cancel()
		}
	}
}

func (s *Service) snapshotConns() []*peerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		out = append(out, pc)
	}
	return out
}

// MarkDownloaded runs the all-data-downloaded stage through the lifecycle
// hooks. The stage tells every connected peer we are no longer interested.
func (s *Service) MarkDownloaded(ctx context.Context) error {
	sc := lifecycle.StageContext{Event: lifecycle.EventAllDataDownloaded, Stage: StageDownloadComplete}
	return s.stack.Hooks.Run(ctx, sc, func(context.Context) error {
		for _, pc := range s.snapshotConns() {
			if err := pc.sess.Enqueue(message.NotInterested{}); err != nil && !errors.Is(err, session.ErrClosed) {
				return fmt.Errorf("session %s: %w", pc.sess.ID(), err)
			}
		}
		s.log.Info().Msg("all data downloaded")
		return nil
	})
}

// PeerView is the admin view of one session.
type PeerView struct {
	session.Info
	Outgoing  bool                   `json:"outgoing"`
	State     *peerstate.Snapshot    `json:"state,omitempty"`
	Handshake *exthandshake.PeerInfo `json:"handshake,omitempty"`
}

// Peers returns the open sessions ordered by connection time.
func (s *Service) Peers() []PeerView {
	conns := s.snapshotConns()
	out := make([]PeerView, 0, len(conns))
	for _, pc := range conns {
		view := PeerView{Info: pc.sess.Info(), Outgoing: pc.outgoing}
		for _, a := range pc.agents {
			switch agent := a.(type) {
			case *peerstate.Agent:
				snap := agent.Snapshot()
				view.State = &snap
			case *exthandshake.Agent:
				if info, ok := agent.PeerInfo(); ok {
					view.Handshake = &info
				}
			}
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
