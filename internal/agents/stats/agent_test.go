package stats

import (
	"context"
	"testing"

	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/protocol/extension"
	"github.com/danmuck/peerwire/internal/protocol/message"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountsEveryMessage(t *testing.T) {
	testlog.Start(t)
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_messages_total",
		Help: "test",
	}, []string{"message"})
	a := New(counter)
	b := bus.New(bus.Env{}, nil, a)

	msgs := []message.Message{
		message.KeepAlive{},
		message.Have{Index: 1},
		message.Have{Index: 2},
		extension.PEX{},
	}
	for _, msg := range msgs {
		if err := b.Dispatch(context.Background(), msg); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	counts := a.Counts()
	if counts["have"] != 2 || counts["keep_alive"] != 1 || counts["extended/ut_pex"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("have")); got != 2 {
		t.Fatalf("exported have = %v, want 2", got)
	}
}

func TestNilCounter(t *testing.T) {
	testlog.Start(t)
	a := New(nil)
	b := bus.New(bus.Env{}, nil, a)
	if err := b.Dispatch(context.Background(), message.Choke{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if a.Counts()["choke"] != 1 {
		t.Fatalf("counts = %v", a.Counts())
	}
}
