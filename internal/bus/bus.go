package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/peerwire/internal/lifecycle"
	"github.com/danmuck/peerwire/internal/protocol/extension"
	"github.com/danmuck/peerwire/internal/protocol/message"
	"go.uber.org/multierr"
)

type route struct {
	agent    string
	key      message.Key
	any      bool
	consumer Consumer
}

type producer struct {
	agent string
	p     Producer
}

// Gate vets a produced message before it is queued for sending.
type Gate func(msg message.Message) error

// Stats counts bus activity over the connection lifetime.
type Stats struct {
	Dispatched int
	Produced   int
	Skipped    int
}

// Bus owns the fixed agent set of one connection. It is not safe for
// concurrent use; a connection drives it from a single processing loop.
type Bus struct {
	env       Env
	hooks     *lifecycle.Hooks
	agents    []string
	routes    []route
	producers []producer
	stats     Stats
}

// New builds a bus for one connection. Agents register in argument order,
// which fixes both dispatch and produce order.
func New(env Env, hooks *lifecycle.Hooks, agents ...Agent) *Bus {
	if env.Extensions == nil {
		env.Extensions = noExtensions{}
	}
	b := &Bus{env: env, hooks: hooks}
	for _, a := range agents {
		name := agentName(a)
		b.agents = append(b.agents, name)
		a.Register(&Registrar{bus: b, agent: name})
	}
	return b
}

func (b *Bus) Lifecycle() *lifecycle.Hooks {
	return b.hooks
}

// Agents returns agent names in registration order.
func (b *Bus) Agents() []string {
	out := make([]string, len(b.agents))
	copy(out, b.agents)
	return out
}

func (b *Bus) Stats() Stats {
	return b.stats
}

func (b *Bus) newContext(ctx context.Context) *Context {
	return &Context{ctx: ctx, env: &b.env, hooks: b.hooks}
}

// Dispatch invokes every consumer of msg's key and every wildcard consumer,
// in registration order. All consumers run; their errors are combined.
func (b *Bus) Dispatch(ctx context.Context, msg message.Message) error {
	c := b.newContext(ctx)
	c.SetMessage(msg)
	key := message.KeyOf(msg)
	var errs error
	for _, r := range b.routes {
		if !r.any && r.key != key {
			continue
		}
		if err := r.consumer.Consume(c, c.Message()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s consuming %s: %w", r.agent, key, err))
		}
	}
	b.stats.Dispatched++
	return errs
}

// Produce polls each producer once in registration order. Messages the gate
// rejects with extension.ErrNotNegotiated are skipped and counted; other
// gate errors are returned alongside the accepted messages.
func (b *Bus) Produce(ctx context.Context, gate Gate) ([]message.Message, error) {
	c := b.newContext(ctx)
	var (
		out  []message.Message
		errs error
	)
	for _, p := range b.producers {
		msg, ok := p.p.Produce(c)
		if !ok || msg == nil {
			continue
		}
		if gate != nil {
			if err := gate(msg); err != nil {
				if errors.Is(err, extension.ErrNotNegotiated) {
					b.stats.Skipped++
					c.Logger().Debug().Str("agent", p.agent).Str("message", message.KeyOf(msg).String()).Msg("producer skipped before negotiation")
					continue
				}
				errs = multierr.Append(errs, fmt.Errorf("%s producing %s: %w", p.agent, message.KeyOf(msg), err))
				continue
			}
		}
		b.stats.Produced++
		out = append(out, msg)
	}
	return out, errs
}
