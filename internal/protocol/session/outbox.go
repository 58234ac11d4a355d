package session

import (
	"errors"
	"sync"

	"github.com/danmuck/peerwire/internal/protocol/message"
)

var ErrOutboxFull = errors.New("session: outbox full")

// Outbox queues messages handed to a session from outside its processing
// loop. They are sent on the next tick, ahead of producer output.
type Outbox struct {
	mu    sync.Mutex
	limit int
	items []message.Message
}

func NewOutbox(limit int) *Outbox {
	return &Outbox{limit: limit}
}

// Push appends msg, failing once limit messages are pending.
func (o *Outbox) Push(msg message.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.limit > 0 && len(o.items) >= o.limit {
		return ErrOutboxFull
	}
	o.items = append(o.items, msg)
	return nil
}

// Drain removes and returns every pending message in push order.
func (o *Outbox) Drain() []message.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.items
	o.items = nil
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
