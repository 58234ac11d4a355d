package peer

import (
	"fmt"
	"net"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/peerwire/internal/agents"
	"github.com/danmuck/peerwire/internal/agents/exthandshake"
	"github.com/danmuck/peerwire/internal/agents/keepalive"
	"github.com/danmuck/peerwire/internal/agents/metadata"
	"github.com/danmuck/peerwire/internal/agents/peerstate"
	"github.com/danmuck/peerwire/internal/agents/pex"
	"github.com/danmuck/peerwire/internal/agents/portannounce"
	"github.com/danmuck/peerwire/internal/agents/stats"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/config"
	"github.com/danmuck/peerwire/internal/lifecycle"
	"github.com/danmuck/peerwire/internal/observability"
	"github.com/danmuck/peerwire/internal/protocol/extension"
	"github.com/danmuck/peerwire/internal/protocol/message"
)

// Deps are the node-wide collaborators handed to agents.
type Deps struct {
	Clock clock.Clock
	Book  *Book
	Store *MetadataStore
}

// Stack is the node-wide protocol wiring. Every connection gets its own
// router and agent set built from it.
type Stack struct {
	Registry *message.Registry
	Local    extension.Table
	Hooks    *lifecycle.Hooks
	Agents   *agents.Registry
}

type factoryEntry struct {
	meta    agents.AgentMetadata
	factory agents.Factory
}

// Assemble registers codecs, builds the local extension table and registers
// agent factories in dispatch order. The registry is frozen on return.
func Assemble(cfg config.NodeConfig, deps Deps) (*Stack, error) {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Book == nil {
		book, err := NewBook(0)
		if err != nil {
			return nil, err
		}
		deps.Book = book
	}
	reg := message.DefaultRegistry()
	if err := extension.Register(reg); err != nil {
		return nil, fmt.Errorf("register extensions: %w", err)
	}
	reg.Freeze()

	local, err := extension.NewTable(cfg.Extensions)
	if err != nil {
		return nil, err
	}

	hooks := lifecycle.NewHooks()
	hooks.Register(lifecycle.EventMetadataObtained, observability.StageInterceptor(cfg.ID))
	hooks.Register(lifecycle.EventAllDataDownloaded, observability.StageInterceptor(cfg.ID))

	hsOpts := extension.Options{
		ListenPort: listenPort(cfg.ListenAddr),
		Client:     cfg.Client,
		ReqQ:       cfg.ReqQ,
	}
	factories := []factoryEntry{
		{stats.Metadata, stats.Factory(observability.MessagesReceived)},
		{exthandshake.Metadata, func(conn agents.Conn) (bus.Agent, error) {
			opts := hsOpts
			if deps.Store != nil {
				opts.MetadataSize = deps.Store.Size()
			}
			return exthandshake.Factory(local, opts)(conn)
		}},
		{peerstate.Metadata, peerstate.Factory},
		{keepalive.Metadata, keepalive.Factory(deps.Clock, cfg.KeepAliveInterval)},
		{portannounce.Metadata, portannounce.Factory(cfg.DHTPort, deps.Book)},
		{pex.Metadata, pex.Factory(deps.Clock, pex.Config{Interval: cfg.PEXInterval}, deps.Book, deps.Book)},
	}
	if deps.Store != nil {
		factories = append(factories, factoryEntry{metadata.Metadata, metadata.Factory(deps.Store)})
	}

	registry := agents.NewRegistry()
	for _, f := range factories {
		if err := registry.Register(f.meta, f.factory); err != nil {
			return nil, err
		}
	}
	return &Stack{Registry: reg, Local: local, Hooks: hooks, Agents: registry}, nil
}

// NewRouter returns a fresh negotiation state machine for one connection.
func (s *Stack) NewRouter() *extension.Router {
	return extension.NewRouter(s.Registry, s.Local)
}

func listenPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return 0
	}
	return n
}
