package peer

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/danmuck/peerwire/internal/protocol/extension"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCandidateLimit bounds the number of discovered peers remembered.
const DefaultCandidateLimit = 4096

// Candidate is a peer learned from a remote source.
type Candidate struct {
	Addr   netip.AddrPort `json:"addr"`
	Flags  uint8          `json:"flags"`
	Source string         `json:"source"`
}

// Book tracks connected peers, discovered candidates and DHT nodes. It is
// the PeerSource, PeerSink and DHTNodes shared by every session of a node.
type Book struct {
	mu        sync.RWMutex
	connected map[netip.AddrPort]int
	nodes     map[netip.AddrPort]struct{}

	candidates *lru.Cache[netip.AddrPort, Candidate]
}

func NewBook(limit int) (*Book, error) {
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	candidates, err := lru.New[netip.AddrPort, Candidate](limit)
	if err != nil {
		return nil, err
	}
	return &Book{
		connected:  make(map[netip.AddrPort]int),
		nodes:      make(map[netip.AddrPort]struct{}),
		candidates: candidates,
	}, nil
}

// Connected records an open session to addr.
func (b *Book) Connected(addr netip.AddrPort) {
	if !addr.IsValid() {
		return
	}
	b.mu.Lock()
	b.connected[addr]++
	b.mu.Unlock()
	b.candidates.Remove(addr)
}

// Disconnected reverses one Connected call.
func (b *Book) Disconnected(addr netip.AddrPort) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected[addr] <= 1 {
		delete(b.connected, addr)
		return
	}
	b.connected[addr]--
}

// Peers returns the currently connected peers in address order.
func (b *Book) Peers() []netip.AddrPort {
	b.mu.RLock()
	out := make([]netip.AddrPort, 0, len(b.connected))
	for addr := range b.connected {
		out = append(out, addr)
	}
	b.mu.RUnlock()
	sortAddrs(out)
	return out
}

// AddPeers stores peers a remote announced that are not already connected.
func (b *Book) AddPeers(source string, peers []extension.PeerEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range peers {
		if _, ok := b.connected[p.Addr]; ok {
			continue
		}
		b.candidates.Add(p.Addr, Candidate{Addr: p.Addr, Flags: p.Flags, Source: source})
	}
}

// Candidates returns discovered peers, oldest first.
func (b *Book) Candidates() []Candidate {
	return b.candidates.Values()
}

func (b *Book) AddNode(addr netip.AddrPort) {
	b.mu.Lock()
	b.nodes[addr] = struct{}{}
	b.mu.Unlock()
}

// Nodes returns the DHT nodes learned from port messages.
func (b *Book) Nodes() []netip.AddrPort {
	b.mu.RLock()
	out := make([]netip.AddrPort, 0, len(b.nodes))
	for addr := range b.nodes {
		out = append(out, addr)
	}
	b.mu.RUnlock()
	sortAddrs(out)
	return out
}

func sortAddrs(addrs []netip.AddrPort) {
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].Compare(addrs[j]) < 0
	})
}
