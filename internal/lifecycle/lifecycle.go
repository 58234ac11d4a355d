// Package lifecycle lets interceptors wrap named processing stages that run
// when a global event fires.
package lifecycle

import (
	"context"
	"sync"
)

// Event names a lifecycle point.
type Event string

const (
	EventMetadataObtained  Event = "primary-metadata-obtained"
	EventAllDataDownloaded Event = "all-data-downloaded"
)

// Stage is one unit of work run for an event.
type Stage func(ctx context.Context) error

// StageContext describes the stage being wrapped.
type StageContext struct {
	Event     Event
	Stage     string
	SessionID string
	Peer      string
}

// Interceptor receives the current context and the next stage and returns
// the stage that will actually run. Returning next unchanged is identity.
type Interceptor interface {
	Intercept(sc StageContext, next Stage) Stage
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(sc StageContext, next Stage) Stage

func (f InterceptorFunc) Intercept(sc StageContext, next Stage) Stage {
	return f(sc, next)
}

// Hooks holds interceptors per event. It is safe for concurrent use so one
// set can serve every connection of a node.
type Hooks struct {
	mu      sync.RWMutex
	byEvent map[Event][]Interceptor
}

func NewHooks() *Hooks {
	return &Hooks{byEvent: make(map[Event][]Interceptor)}
}

// Register appends i to the interceptors of event.
func (h *Hooks) Register(event Event, i Interceptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byEvent[event] = append(h.byEvent[event], i)
}

// Interceptors returns a copy of the interceptors for event, empty when none.
func (h *Hooks) Interceptors(event Event) []Interceptor {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.byEvent[event]
	out := make([]Interceptor, len(list))
	copy(out, list)
	return out
}

// Wrap composes the interceptors of sc.Event around stage. The first
// registered interceptor is outermost.
func (h *Hooks) Wrap(sc StageContext, stage Stage) Stage {
	list := h.Interceptors(sc.Event)
	for i := len(list) - 1; i >= 0; i-- {
		if wrapped := list[i].Intercept(sc, stage); wrapped != nil {
			stage = wrapped
		}
	}
	return stage
}

// Run executes stage wrapped by the interceptors of sc.Event.
func (h *Hooks) Run(ctx context.Context, sc StageContext, stage Stage) error {
	if stage == nil {
		stage = Noop
	}
	return h.Wrap(sc, stage)(ctx)
}

// Noop is the empty stage.
func Noop(context.Context) error {
	return nil
}
