// Package stats counts every message a session receives.
package stats

import (
	"sync"

	"github.com/danmuck/peerwire/internal/agents"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/protocol/message"
	"github.com/prometheus/client_golang/prometheus"
)

var Metadata = agents.AgentMetadata{
	ID:          "agent.stats",
	Description: "counts received messages by kind",
}

// Agent subscribes to every message. Counts are kept per session and, when a
// counter is supplied, exported under the "message" label.
type Agent struct {
	counter *prometheus.CounterVec

	mu     sync.Mutex
	counts map[string]uint64
}

func New(counter *prometheus.CounterVec) *Agent {
	return &Agent{counter: counter, counts: make(map[string]uint64)}
}

func Factory(counter *prometheus.CounterVec) agents.Factory {
	return func(agents.Conn) (bus.Agent, error) {
		return New(counter), nil
	}
}

func (a *Agent) Name() string { return Metadata.ID }

func (a *Agent) Register(r *bus.Registrar) {
	r.ConsumeAny(bus.ConsumerFunc(a.consume))
}

func (a *Agent) consume(_ *bus.Context, msg message.Message) error {
	kind := message.KeyOf(msg).String()
	a.mu.Lock()
	a.counts[kind]++
	a.mu.Unlock()
	if a.counter != nil {
		a.counter.WithLabelValues(kind).Inc()
	}
	return nil
}

// Counts returns a copy of the per-kind totals.
func (a *Agent) Counts() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]uint64, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}
