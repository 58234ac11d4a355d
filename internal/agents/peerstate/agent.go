// Package peerstate tracks the choke and interest flags and the piece
// availability a remote peer announces.
package peerstate

import (
	"sync"

	"github.com/danmuck/peerwire/internal/agents"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/protocol/message"
)

var Metadata = agents.AgentMetadata{
	ID:          "agent.peerstate",
	Description: "tracks remote choke, interest and have state",
}

// Snapshot is a point-in-time copy of the remote peer's state.
type Snapshot struct {
	Choking    bool   `json:"choking"`
	Interested bool   `json:"interested"`
	Pieces     int    `json:"pieces"`
	Bitfield   []byte `json:"-"`
}

// Has reports whether the peer announced piece index.
func (s Snapshot) Has(index int) bool {
	return message.Bitfield{Bits: s.Bitfield}.Has(index)
}

type Agent struct {
	mu    sync.RWMutex
	state Snapshot
}

// New starts from the protocol defaults: choked and not interested.
func New() *Agent {
	return &Agent{state: Snapshot{Choking: true}}
}

func Factory(agents.Conn) (bus.Agent, error) {
	return New(), nil
}

func (a *Agent) Name() string { return Metadata.ID }

func (a *Agent) Register(r *bus.Registrar) {
	bus.Handle(r, func(*bus.Context, message.Choke) error {
		a.update(func(s *Snapshot) { s.Choking = true })
		return nil
	})
	bus.Handle(r, func(*bus.Context, message.Unchoke) error {
		a.update(func(s *Snapshot) { s.Choking = false })
		return nil
	})
	bus.Handle(r, func(*bus.Context, message.Interested) error {
		a.update(func(s *Snapshot) { s.Interested = true })
		return nil
	})
	bus.Handle(r, func(*bus.Context, message.NotInterested) error {
		a.update(func(s *Snapshot) { s.Interested = false })
		return nil
	})
	bus.Handle(r, a.onHave)
	bus.Handle(r, a.onBitfield)
}

func (a *Agent) update(fn func(s *Snapshot)) {
	a.mu.Lock()
	fn(&a.state)
	a.mu.Unlock()
}

func (a *Agent) onHave(_ *bus.Context, msg message.Have) error {
	a.update(func(s *Snapshot) {
		byteIndex := int(msg.Index / 8)
		if byteIndex >= len(s.Bitfield) {
			grown := make([]byte, byteIndex+1)
			copy(grown, s.Bitfield)
			s.Bitfield = grown
		}
		mask := byte(0x80 >> (msg.Index % 8))
		if s.Bitfield[byteIndex]&mask == 0 {
			s.Bitfield[byteIndex] |= mask
			s.Pieces++
		}
	})
	return nil
}

func (a *Agent) onBitfield(_ *bus.Context, msg message.Bitfield) error {
	a.update(func(s *Snapshot) {
		s.Bitfield = append([]byte(nil), msg.Bits...)
		s.Pieces = msg.Count()
	})
	return nil
}

// Snapshot returns a copy of the current state.
func (a *Agent) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := a.state
	out.Bitfield = append([]byte(nil), a.state.Bitfield...)
	return out
}
