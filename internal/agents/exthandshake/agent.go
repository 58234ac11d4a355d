// Package exthandshake sends the local extended handshake once per
// connection and records what the peer advertised in return.
package exthandshake

import (
	"sync"

	"github.com/danmuck/peerwire/internal/agents"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/protocol/extension"
	"github.com/danmuck/peerwire/internal/protocol/message"
)

var Metadata = agents.AgentMetadata{
	ID:          "agent.ext-handshake",
	Description: "exchanges the extended handshake",
}

// PeerInfo is what the peer told us in its extended handshake.
type PeerInfo struct {
	Client       string         `json:"client,omitempty"`
	ListenPort   uint16         `json:"listen_port,omitempty"`
	ReqQ         int            `json:"reqq,omitempty"`
	MetadataSize int64          `json:"metadata_size,omitempty"`
	YourIP       []byte         `json:"yourip,omitempty"`
	Extensions   map[string]int `json:"extensions"`
}

type Agent struct {
	hs   extension.Handshake
	sent bool

	mu       sync.Mutex
	info     PeerInfo
	received bool
}

// New prepares the handshake advertising local with opts.
func New(local extension.Table, opts extension.Options) (*Agent, error) {
	hs, err := extension.NewHandshake(local, opts)
	if err != nil {
		return nil, err
	}
	return &Agent{hs: hs}, nil
}

func Factory(local extension.Table, opts extension.Options) agents.Factory {
	return func(conn agents.Conn) (bus.Agent, error) {
		if !conn.RemoteExtensions {
			return nil, nil
		}
		a, err := New(local, opts)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

func (a *Agent) Name() string { return Metadata.ID }

func (a *Agent) Register(r *bus.Registrar) {
	r.Produce(a)
	bus.Handle(r, a.onHandshake)
}

func (a *Agent) Produce(ctx *bus.Context) (message.Message, bool) {
	if a.sent || !ctx.Extensions().Enabled() {
		return nil, false
	}
	a.sent = true
	return a.hs, true
}

func (a *Agent) onHandshake(ctx *bus.Context, hs extension.Handshake) error {
	info := PeerInfo{
		Client:       hs.Client,
		ListenPort:   hs.Port,
		ReqQ:         hs.ReqQ,
		MetadataSize: hs.MetadataSize,
		YourIP:       hs.YourIP,
		Extensions:   make(map[string]int, len(hs.M)),
	}
	for name, id := range hs.M {
		info.Extensions[name] = id
	}
	a.mu.Lock()
	a.info = info
	a.received = true
	a.mu.Unlock()
	ctx.Logger().Info().
		Str("client", hs.Client).
		Int("extensions", len(hs.M)).
		Int64("metadata_size", hs.MetadataSize).
		Msg("extended handshake received")
	return nil
}

// PeerInfo returns the recorded peer handshake. Safe from any goroutine.
func (a *Agent) PeerInfo() (PeerInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info, a.received
}
