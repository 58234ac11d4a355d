// Package pex exchanges peer lists over the ut_pex extension.
package pex

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/peerwire/internal/agents"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/protocol/extension"
	"github.com/danmuck/peerwire/internal/protocol/message"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	// DefaultInterval is the minimum spacing between two PEX messages.
	DefaultInterval = time.Minute
	// MaxPeersPerMessage caps added and dropped entries per message.
	MaxPeersPerMessage = 50
	// DefaultMemory bounds how many advertised peers are remembered.
	DefaultMemory = 1024
)

var Metadata = agents.AgentMetadata{
	ID:          "agent.pex",
	Description: "exchanges peer lists over ut_pex",
}

type Config struct {
	Interval time.Duration
	Memory   int
}

// Agent advertises deltas of the peer source and forwards peers learned from
// the remote side to the sink.
type Agent struct {
	clk        clock.Clock
	limiter    *rate.Limiter
	source     agents.PeerSource
	sink       agents.PeerSink
	self       netip.AddrPort
	advertised *lru.Cache[netip.AddrPort, struct{}]
}

func New(conn agents.Conn, clk clock.Clock, cfg Config, source agents.PeerSource, sink agents.PeerSink) (*Agent, error) {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Memory <= 0 {
		cfg.Memory = DefaultMemory
	}
	advertised, err := lru.New[netip.AddrPort, struct{}](cfg.Memory)
	if err != nil {
		return nil, err
	}
	return &Agent{
		clk:        clk,
		limiter:    rate.NewLimiter(rate.Every(cfg.Interval), 1),
		source:     source,
		sink:       sink,
		self:       conn.PeerAddr(),
		advertised: advertised,
	}, nil
}

func Factory(clk clock.Clock, cfg Config, source agents.PeerSource, sink agents.PeerSink) agents.Factory {
	return func(conn agents.Conn) (bus.Agent, error) {
		if !conn.RemoteExtensions {
			return nil, nil
		}
		a, err := New(conn, clk, cfg, source, sink)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

func (a *Agent) Name() string { return Metadata.ID }

func (a *Agent) Register(r *bus.Registrar) {
	r.Produce(a)
	bus.Handle(r, a.onPEX)
}

func (a *Agent) onPEX(ctx *bus.Context, msg extension.PEX) error {
	added := make([]extension.PeerEntry, 0, len(msg.Added))
	for _, p := range msg.Added {
		if p.Addr.IsValid() && p.Addr.Port() != 0 && p.Addr != a.self {
			added = append(added, p)
		}
	}
	ctx.Logger().Debug().Int("added", len(added)).Int("dropped", len(msg.Dropped)).Msg("pex received")
	if len(added) > 0 && a.sink != nil {
		a.sink.AddPeers(ctx.Peer(), added)
	}
	return nil
}

// Produce emits the delta since the last message once ut_pex is negotiated,
// at most once per interval.
func (a *Agent) Produce(ctx *bus.Context) (message.Message, bool) {
	if a.source == nil || !ctx.Extensions().Supports(extension.PEXName) {
		return nil, false
	}
	delta := a.diff()
	if delta.Empty() {
		return nil, false
	}
	if !a.limiter.AllowN(a.clk.Now(), 1) {
		return nil, false
	}
	for _, p := range delta.Added {
		a.advertised.Add(p.Addr, struct{}{})
	}
	for _, addr := range delta.Dropped {
		a.advertised.Remove(addr)
	}
	return delta, true
}

func (a *Agent) diff() extension.PEX {
	current := make(map[netip.AddrPort]struct{})
	var delta extension.PEX
	for _, addr := range a.source.Peers() {
		if !addr.IsValid() || addr == a.self {
			continue
		}
		current[addr] = struct{}{}
		if !a.advertised.Contains(addr) && len(delta.Added) < MaxPeersPerMessage {
			delta.Added = append(delta.Added, extension.PeerEntry{Addr: addr, Flags: extension.FlagReachable})
		}
	}
	for _, addr := range a.advertised.Keys() {
		if _, ok := current[addr]; !ok && len(delta.Dropped) < MaxPeersPerMessage {
			delta.Dropped = append(delta.Dropped, addr)
		}
	}
	return delta
}
