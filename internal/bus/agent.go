package bus

import (
	"fmt"

	"github.com/danmuck/peerwire/internal/protocol/message"
)

// Consumer handles decoded messages.
type Consumer interface {
	Consume(ctx *Context, msg message.Message) error
}

type ConsumerFunc func(ctx *Context, msg message.Message) error

func (f ConsumerFunc) Consume(ctx *Context, msg message.Message) error {
	return f(ctx, msg)
}

// Producer returns at most one outgoing message per poll. It must not block.
type Producer interface {
	Produce(ctx *Context) (message.Message, bool)
}

type ProducerFunc func(ctx *Context) (message.Message, bool)

func (f ProducerFunc) Produce(ctx *Context) (message.Message, bool) {
	return f(ctx)
}

// Agent declares its capabilities explicitly when the bus is built.
type Agent interface {
	Register(r *Registrar)
}

// AgentFunc adapts a registration function to Agent.
type AgentFunc func(r *Registrar)

func (f AgentFunc) Register(r *Registrar) {
	f(r)
}

// Named agents report their name in logs, errors and metrics.
type Named interface {
	Name() string
}

func agentName(a Agent) string {
	if n, ok := a.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", a)
}

// Registrar collects the capabilities of one agent.
type Registrar struct {
	bus   *Bus
	agent string
}

// Consume subscribes c to messages with key.
func (r *Registrar) Consume(key message.Key, c Consumer) {
	r.bus.routes = append(r.bus.routes, route{agent: r.agent, key: key, consumer: c})
}

// ConsumeAny subscribes c to every message.
func (r *Registrar) ConsumeAny(c Consumer) {
	r.bus.routes = append(r.bus.routes, route{agent: r.agent, any: true, consumer: c})
}

// Produce adds p to the producers polled on every tick.
func (r *Registrar) Produce(p Producer) {
	r.bus.producers = append(r.bus.producers, producer{agent: r.agent, p: p})
}

// Handle subscribes a typed handler. T must be a value message type; its
// zero value determines the key.
func Handle[T message.Message](r *Registrar, fn func(ctx *Context, msg T) error) {
	var zero T
	r.Consume(message.KeyOf(zero), ConsumerFunc(func(ctx *Context, msg message.Message) error {
		typed, ok := msg.(T)
		if !ok {
			return fmt.Errorf("bus: %s expected %T, got %T", r.agent, zero, msg)
		}
		return fn(ctx, typed)
	}))
}
