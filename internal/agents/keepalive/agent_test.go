package keepalive

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/protocol/message"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
)

func TestProducesOncePerInterval(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewMock()
	b := bus.New(bus.Env{}, nil, New(clk, 30*time.Second))

	count := func() int {
		out, err := b.Produce(context.Background(), nil)
		if err != nil {
			t.Fatalf("produce: %v", err)
		}
		for _, m := range out {
			if _, ok := m.(message.KeepAlive); !ok {
				t.Fatalf("unexpected message %T", m)
			}
		}
		return len(out)
	}

	if n := count(); n != 0 {
		t.Fatalf("expected no keep-alive at start, got %d", n)
	}
	clk.Add(29 * time.Second)
	if n := count(); n != 0 {
		t.Fatalf("expected no keep-alive before interval, got %d", n)
	}
	clk.Add(time.Second)
	if n := count(); n != 1 {
		t.Fatalf("expected keep-alive at interval, got %d", n)
	}
	if n := count(); n != 0 {
		t.Fatalf("expected one keep-alive per interval, got %d", n)
	}
	clk.Add(30 * time.Second)
	if n := count(); n != 1 {
		t.Fatalf("expected second keep-alive, got %d", n)
	}
}
