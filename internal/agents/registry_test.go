package agents

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
)

type nopAgent struct{ id string }

func (a nopAgent) Name() string { return a.id }

func (a nopAgent) Register(*bus.Registrar) {}

func factory(id string) Factory {
	return func(Conn) (bus.Agent, error) { return nopAgent{id: id}, nil }
}

func TestRegisterBuildAndDuplicate(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	if err := r.Register(AgentMetadata{ID: "agent.z", Description: "z"}, factory("z")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(AgentMetadata{ID: "agent.a", Description: "a"}, factory("a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(AgentMetadata{ID: "agent.a", Description: "a"}, factory("a")); !errors.Is(err, ErrAgentExists) {
		t.Fatalf("expected ErrAgentExists, got %v", err)
	}
	if err := r.Register(AgentMetadata{ID: "agent.skip", Description: "skip"}, func(Conn) (bus.Agent, error) { return nil, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}

	built, err := r.Build(Conn{Peer: "10.0.0.1:6881"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var names []string
	for _, a := range built {
		names = append(names, a.(nopAgent).id)
	}
	if !reflect.DeepEqual(names, []string{"z", "a"}) {
		t.Fatalf("build order mismatch: %v", names)
	}
}

func TestRegisterValidation(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	if err := r.Register(AgentMetadata{ID: "agent.x", Description: "x"}, nil); !errors.Is(err, ErrFactoryNil) {
		t.Fatalf("expected ErrFactoryNil, got %v", err)
	}
	for _, id := range []string{"", "Agent", ".agent", "agent..x", "agent-"} {
		if err := r.Register(AgentMetadata{ID: id, Description: "x"}, factory("x")); !errors.Is(err, ErrInvalidMetadata) {
			t.Fatalf("expected ErrInvalidMetadata for %q, got %v", id, err)
		}
	}
}

func TestBuildWrapsFactoryError(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	boom := errors.New("boom")
	_ = r.Register(AgentMetadata{ID: "agent.bad", Description: "bad"}, func(Conn) (bus.Agent, error) { return nil, boom })
	if _, err := r.Build(Conn{}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped factory error, got %v", err)
	}
}

func TestConnPeerAddr(t *testing.T) {
	testlog.Start(t)
	if got := (Conn{Peer: "10.0.0.1:6881"}).PeerAddr(); got.Port() != 6881 {
		t.Fatalf("peer addr mismatch: %v", got)
	}
	if got := (Conn{Peer: "pipe"}).PeerAddr(); got.IsValid() {
		t.Fatalf("expected invalid addr for pipe peer, got %v", got)
	}
}
