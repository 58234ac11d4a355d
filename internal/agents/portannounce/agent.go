// Package portannounce announces the local DHT port to peers that support
// DHT and forwards peers' announcements to the DHT collaborator.
package portannounce

import (
	"net/netip"

	"github.com/danmuck/peerwire/internal/agents"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/protocol/message"
)

var Metadata = agents.AgentMetadata{
	ID:          "agent.port",
	Description: "announces the dht port and records announced dht nodes",
}

type Agent struct {
	port  message.Port
	owed  bool
	peer  netip.Addr
	nodes agents.DHTNodes
}

// New validates dhtPort up front. A port announcement is owed only when
// the peer set the DHT bit and a local DHT port is configured.
func New(conn agents.Conn, dhtPort int, nodes agents.DHTNodes) (*Agent, error) {
	port, err := message.NewPort(dhtPort)
	if err != nil {
		return nil, err
	}
	return &Agent{
		port:  port,
		owed:  conn.RemoteDHT && dhtPort > 0,
		peer:  conn.PeerAddr().Addr(),
		nodes: nodes,
	}, nil
}

func Factory(dhtPort int, nodes agents.DHTNodes) agents.Factory {
	return func(conn agents.Conn) (bus.Agent, error) {
		a, err := New(conn, dhtPort, nodes)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

func (a *Agent) Name() string { return Metadata.ID }

func (a *Agent) Register(r *bus.Registrar) {
	r.Produce(a)
	bus.Handle(r, a.onPort)
}

func (a *Agent) Produce(*bus.Context) (message.Message, bool) {
	if !a.owed {
		return nil, false
	}
	a.owed = false
	return a.port, true
}

func (a *Agent) onPort(ctx *bus.Context, msg message.Port) error {
	if a.nodes == nil || !a.peer.IsValid() || msg.Port == 0 {
		return nil
	}
	node := netip.AddrPortFrom(a.peer, msg.Port)
	ctx.Logger().Debug().Str("node", node.String()).Msg("dht node announced")
	a.nodes.AddNode(node)
	return nil
}
