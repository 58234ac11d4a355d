// Package bus routes decoded messages to per-connection agents and polls
// agents for outgoing messages.
package bus

import (
	"context"

	"github.com/danmuck/peerwire/internal/lifecycle"
	"github.com/danmuck/peerwire/internal/protocol/message"
	"github.com/rs/zerolog"
)

// Extensions is the read-only negotiation view agents may consult.
type Extensions interface {
	Enabled() bool
	Negotiated() bool
	Supports(name string) bool
}

type noExtensions struct{}

func (noExtensions) Enabled() bool        { return false }
func (noExtensions) Negotiated() bool     { return false }
func (noExtensions) Supports(string) bool { return false }

// Env is the fixed environment of one connection.
type Env struct {
	Peer       string
	SessionID  string
	Logger     zerolog.Logger
	Extensions Extensions
}

// Context is created for a single dispatch or produce call and is owned by
// that call.
type Context struct {
	ctx   context.Context
	env   *Env
	hooks *lifecycle.Hooks
	msg   message.Message
}

func (c *Context) Context() context.Context {
	return c.ctx
}

// Peer returns the remote address.
func (c *Context) Peer() string {
	return c.env.Peer
}

func (c *Context) SessionID() string {
	return c.env.SessionID
}

func (c *Context) Logger() *zerolog.Logger {
	return &c.env.Logger
}

func (c *Context) Extensions() Extensions {
	return c.env.Extensions
}

// Message returns the decode result slot.
func (c *Context) Message() message.Message {
	return c.msg
}

// SetMessage replaces the decode result slot.
func (c *Context) SetMessage(msg message.Message) {
	c.msg = msg
}

func (c *Context) Lifecycle() *lifecycle.Hooks {
	return c.hooks
}

// RunStage runs stage through the interceptors registered for event.
func (c *Context) RunStage(event lifecycle.Event, name string, stage lifecycle.Stage) error {
	sc := lifecycle.StageContext{
		Event:     event,
		Stage:     name,
		SessionID: c.env.SessionID,
		Peer:      c.env.Peer,
	}
	return c.hooks.Run(c.ctx, sc, stage)
}
