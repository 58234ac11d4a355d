package keepalive

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/peerwire/internal/agents"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/protocol/message"
)

// DefaultInterval keeps idle connections under the common two minute timeout.
const DefaultInterval = 90 * time.Second

var Metadata = agents.AgentMetadata{
	ID:          "agent.keepalive",
	Description: "sends a keep-alive once per interval",
}

// Agent produces a keep-alive every interval, starting one interval after
// the connection is set up.
type Agent struct {
	clk      clock.Clock
	interval time.Duration
	next     time.Time
}

func New(clk clock.Clock, interval time.Duration) *Agent {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Agent{clk: clk, interval: interval, next: clk.Now().Add(interval)}
}

// Factory returns a per-connection constructor sharing clk.
func Factory(clk clock.Clock, interval time.Duration) agents.Factory {
	return func(agents.Conn) (bus.Agent, error) {
		return New(clk, interval), nil
	}
}

func (a *Agent) Name() string { return Metadata.ID }

func (a *Agent) Register(r *bus.Registrar) {
	r.Produce(a)
}

func (a *Agent) Produce(*bus.Context) (message.Message, bool) {
	now := a.clk.Now()
	if now.Before(a.next) {
		return nil, false
	}
	a.next = now.Add(a.interval)
	return message.KeepAlive{}, true
}
