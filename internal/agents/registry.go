package agents

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/peerwire/internal/bus"
)

var (
	ErrAgentExists     = errors.New("agent already exists")
	ErrFactoryNil      = errors.New("agent factory is nil")
	ErrInvalidMetadata = errors.New("invalid agent metadata")
)

type entry struct {
	meta    AgentMetadata
	factory Factory
}

// Registry stores agent factories in registration order. That order becomes
// the dispatch and produce order of every connection built from it.
type Registry struct {
	items []entry
	index map[string]int
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// ValidateMetadata checks required metadata fields and id format.
func ValidateMetadata(meta AgentMetadata) error {
	id := strings.TrimSpace(meta.ID)
	if id == "" || strings.TrimSpace(meta.Description) == "" {
		return fmt.Errorf("%w: id and description are required", ErrInvalidMetadata)
	}
	if !isValidID(id) {
		return fmt.Errorf("%w: invalid id format %q", ErrInvalidMetadata, id)
	}
	return nil
}

// Register appends a factory.
func (r *Registry) Register(meta AgentMetadata, f Factory) error {
	if f == nil {
		return ErrFactoryNil
	}
	if err := ValidateMetadata(meta); err != nil {
		return err
	}
	if _, ok := r.index[meta.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, meta.ID)
	}
	r.index[meta.ID] = len(r.items)
	r.items = append(r.items, entry{meta: meta, factory: f})
	return nil
}

// List returns agent metadata in registration order.
func (r *Registry) List() []AgentMetadata {
	out := make([]AgentMetadata, len(r.items))
	for i, e := range r.items {
		out[i] = e.meta
	}
	return out
}

// Build instantiates every registered agent for conn. A factory returning a
// nil agent opts out for that connection.
func (r *Registry) Build(conn Conn) ([]bus.Agent, error) {
	out := make([]bus.Agent, 0, len(r.items))
	for _, e := range r.items {
		a, err := e.factory(conn)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", e.meta.ID, err)
		}
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
