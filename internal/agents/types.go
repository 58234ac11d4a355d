package agents

import (
	"net/netip"

	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/protocol/extension"
)

// AgentMetadata identifies one agent kind.
type AgentMetadata struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Conn describes the connection an agent set is built for.
type Conn struct {
	SessionID        string
	Peer             string
	RemoteDHT        bool
	RemoteExtensions bool
}

// PeerAddr parses the connection address, returning the zero value when the
// peer is not an ip:port.
func (c Conn) PeerAddr() netip.AddrPort {
	addr, err := netip.ParseAddrPort(c.Peer)
	if err != nil {
		return netip.AddrPort{}
	}
	return addr
}

// Factory builds a fresh agent for one connection.
type Factory func(conn Conn) (bus.Agent, error)

// DHTNodes receives DHT node addresses learned from port announcements.
type DHTNodes interface {
	AddNode(addr netip.AddrPort)
}

// PeerSink receives peers learned through peer exchange.
type PeerSink interface {
	AddPeers(source string, peers []extension.PeerEntry)
}

// PeerSource lists the peers currently worth advertising.
type PeerSource interface {
	Peers() []netip.AddrPort
}

// MetadataStore holds the torrent metadata blob.
type MetadataStore interface {
	// Metadata returns the verified blob when it is known.
	Metadata() ([]byte, bool)
	// Verify checks a candidate blob against the expected info hash.
	Verify(blob []byte) error
	// Store keeps a verified blob.
	Store(blob []byte) error
}
