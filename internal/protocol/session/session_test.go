package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/protocol"
	"github.com/danmuck/peerwire/internal/protocol/extension"
	"github.com/danmuck/peerwire/internal/protocol/frame"
	"github.com/danmuck/peerwire/internal/protocol/message"
	"github.com/danmuck/peerwire/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestOutboxLimitAndOrder(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(2)
	if err := o.Push(message.Choke{}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := o.Push(message.Unchoke{}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := o.Push(message.Interested{}); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("expected ErrOutboxFull, got %v", err)
	}
	got := o.Drain()
	if len(got) != 2 || got[0].MessageID() != message.IDChoke || got[1].MessageID() != message.IDUnchoke {
		t.Fatalf("drain mismatch: %v", got)
	}
	if o.Len() != 0 {
		t.Fatalf("expected empty outbox, len=%d", o.Len())
	}
}

func TestHandshakeBitsAndRoundTrip(t *testing.T) {
	testlog.Start(t)
	var hash, id [20]byte
	copy(hash[:], "0123456789abcdefghij")
	copy(id[:], "-PW0100-aaaaaaaaaaaa")
	h := NewHandshake(hash, id, true, true)
	if !h.SupportsExtensions() || !h.SupportsDHT() {
		t.Fatalf("expected extension and dht bits")
	}
	b, _ := h.MarshalBinary()
	if len(b) != HandshakeLen || b[0] != 19 {
		t.Fatalf("handshake layout mismatch: len=%d pstrlen=%d", len(b), b[0])
	}
	var back Handshake
	if err := back.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != h {
		t.Fatalf("round trip mismatch")
	}
	b[3] = 'x'
	if err := back.UnmarshalBinary(b); !errors.Is(err, ErrInvalidHandshake) {
		t.Fatalf("expected ErrInvalidHandshake, got %v", err)
	}
}

func TestExchangeOverPipe(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	var hash, idA, idB [20]byte
	hash[0], idA[0], idB[0] = 1, 2, 3

	type result struct {
		h   Handshake
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := Exchange(context.Background(), b, NewHandshake(hash, idB, false, true), time.Second)
		done <- result{h, err}
	}()
	got, err := Exchange(context.Background(), a, NewHandshake(hash, idA, true, false), time.Second)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if got.PeerID != idB || !got.SupportsDHT() || got.SupportsExtensions() {
		t.Fatalf("remote handshake mismatch: %+v", got)
	}
	other := <-done
	if other.err != nil || other.h.PeerID != idA {
		t.Fatalf("peer side mismatch: %+v err=%v", other.h, other.err)
	}
}

func TestExchangeRejectsInfoHashMismatch(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	var hashA, hashB, idA, idB [20]byte
	hashA[0], hashB[0], idA[0], idB[0] = 1, 9, 2, 3
	go func() {
		_, _ = Exchange(context.Background(), b, NewHandshake(hashB, idB, true, false), time.Second)
	}()
	if _, err := Exchange(context.Background(), a, NewHandshake(hashA, idA, true, false), time.Second); !errors.Is(err, ErrInfoHashMismatch) {
		t.Fatalf("expected ErrInfoHashMismatch, got %v", err)
	}
}

type portLog struct {
	ports []uint16
	kinds []string
}

func (p *portLog) Name() string { return "port-log" }

func (p *portLog) Register(r *bus.Registrar) {
	bus.Handle(r, func(_ *bus.Context, msg message.Port) error {
		p.ports = append(p.ports, msg.Port)
		return nil
	})
	r.ConsumeAny(bus.ConsumerFunc(func(_ *bus.Context, msg message.Message) error {
		p.kinds = append(p.kinds, message.KeyOf(msg).String())
		return nil
	}))
}

func newTestSession(t *testing.T, cfg Config, agents ...bus.Agent) *Session {
	t.Helper()
	reg := message.DefaultRegistry()
	if err := extension.Register(reg); err != nil {
		t.Fatalf("register extensions: %v", err)
	}
	local, err := extension.NewTable(map[string]int{extension.PEXName: 5})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	return New(Params{
		Peer:   "10.0.0.9:6881",
		Config: cfg,
		Router: extension.NewRouter(reg, local),
		Agents: agents,
		Logger: zerolog.Nop(),
	})
}

func TestReceiveDispatchesFramesInArrivalOrder(t *testing.T) {
	testlog.Start(t)
	log := &portLog{}
	s := newTestSession(t, DefaultConfig(), log)

	stream := []byte{0, 0, 0, 3, 9, 24, 0, 0, 0, 0, 0, 0, 0, 0, 5, 4, 0, 0, 0, 7, 0, 0, 0, 3, 9, 29, 253}
	for i := range stream {
		if err := s.Receive(context.Background(), stream[i:i+1]); err != nil {
			t.Fatalf("receive byte %d: %v", i, err)
		}
	}
	if len(log.ports) != 2 || log.ports[0] != 6144 || log.ports[1] != 7677 {
		t.Fatalf("ports mismatch: %v", log.ports)
	}
	want := []string{"port", "keep_alive", "have", "port"}
	if len(log.kinds) != len(want) {
		t.Fatalf("kinds mismatch: got=%v want=%v", log.kinds, want)
	}
	for i := range want {
		if log.kinds[i] != want[i] {
			t.Fatalf("kinds mismatch: got=%v want=%v", log.kinds, want)
		}
	}
	if info := s.Info(); info.FramesIn != 4 {
		t.Fatalf("frames in mismatch: %+v", info)
	}
}

func TestReceivePolicyForUnknownIDs(t *testing.T) {
	testlog.Start(t)
	log := &portLog{}
	s := newTestSession(t, DefaultConfig(), log)
	if err := s.Receive(context.Background(), []byte{0, 0, 0, 2, 99, 1, 0, 0, 0, 3, 9, 0, 1}); err != nil {
		t.Fatalf("expected unknown id skipped, got %v", err)
	}
	if len(log.ports) != 1 {
		t.Fatalf("expected port after unknown frame, got %v", log.ports)
	}

	cfg := DefaultConfig()
	cfg.SkipUnknown = false
	strict := newTestSession(t, cfg)
	err := strict.Receive(context.Background(), []byte{0, 0, 0, 2, 99, 1})
	if !errors.Is(err, protocol.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestReceiveFatalErrors(t *testing.T) {
	testlog.Start(t)
	s := newTestSession(t, DefaultConfig())
	if err := s.Receive(context.Background(), []byte{0, 0, 0, 2, 9, 24}); !errors.Is(err, protocol.ErrMalformedEncoding) {
		t.Fatalf("expected malformed port, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.Limits = frame.Limits{MaxFrameBytes: 64}
	small := newTestSession(t, cfg)
	if err := small.Receive(context.Background(), []byte{0, 1, 0, 0, 7}); !errors.Is(err, protocol.ErrOversizedFrame) {
		t.Fatalf("expected oversized, got %v", err)
	}
}

func TestReceiveTruncatedExtendedPayloadIsMalformed(t *testing.T) {
	testlog.Start(t)
	s := newTestSession(t, DefaultConfig())
	body := []byte("d1:md6:ut_pexi1e")
	wire := append([]byte{0, 0, 0, byte(2 + len(body)), uint8(message.IDExtended), 0}, body...)
	err := s.Receive(context.Background(), wire)
	if !errors.Is(err, protocol.ErrMalformedEncoding) {
		t.Fatalf("expected malformed extended handshake, got %v", err)
	}
	if errors.Is(err, protocol.ErrNeedMoreBytes) {
		t.Fatalf("complete frame reported as needing more bytes: %v", err)
	}
	if got := errorClass(err); got != "malformed" {
		t.Fatalf("errorClass got=%q want=malformed", got)
	}
	if s.Router().Negotiated() {
		t.Fatalf("router negotiated from a truncated handshake")
	}
}

func TestReceiveNeverFabricatesFromShortFrame(t *testing.T) {
	testlog.Start(t)
	log := &portLog{}
	s := newTestSession(t, DefaultConfig(), log)
	if err := s.Receive(context.Background(), []byte{0, 0, 0, 127, 9, 24, 0, 1, 2, 3}); err != nil {
		t.Fatalf("expected partial frame to wait, got %v", err)
	}
	if len(log.ports) != 0 {
		t.Fatalf("port fabricated from partial frame: %v", log.ports)
	}
}

type emitter struct {
	msgs []message.Message
}

func (e *emitter) Name() string { return "emitter" }

func (e *emitter) Register(r *bus.Registrar) {
	for _, msg := range e.msgs {
		msg := msg
		r.Produce(bus.ProducerFunc(func(*bus.Context) (message.Message, bool) {
			return msg, true
		}))
	}
}

func TestTickSkipsExtensionsBeforeNegotiation(t *testing.T) {
	testlog.Start(t)
	s := newTestSession(t, DefaultConfig(), &emitter{msgs: []message.Message{extension.PEX{}, message.Interested{}}})
	if err := s.Enqueue(message.Unchoke{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	want := append(frame.Encode(frame.Frame{ID: 1}), frame.Encode(frame.Frame{ID: 2})...)
	if string(out) != string(want) {
		t.Fatalf("tick output mismatch: got=%v want=%v", out, want)
	}
	if info := s.Info(); info.Skipped != 1 || info.FramesOut != 2 {
		t.Fatalf("info mismatch: %+v", info)
	}
}

func TestCloseDiscardsPartialFrame(t *testing.T) {
	testlog.Start(t)
	log := &portLog{}
	s := newTestSession(t, DefaultConfig(), log)
	if err := s.Receive(context.Background(), []byte{0, 0, 0, 3, 9}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	s.Close()
	if err := s.Receive(context.Background(), []byte{24, 0}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if len(log.ports) != 0 {
		t.Fatalf("partial frame dispatched after close: %v", log.ports)
	}
	if err := s.Enqueue(message.Choke{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on enqueue, got %v", err)
	}
	if !s.Info().Closed {
		t.Fatalf("expected closed info")
	}
}

func TestRunWritesProducedFramesAndEndsOnPeerClose(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	port, _ := message.NewPort(6144)
	s := newTestSession(t, cfg, &once{msg: port})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), local) }()

	f, err := frame.ReadFrame(remote, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.ID != uint8(message.IDPort) || string(f.Payload) != string([]byte{24, 0}) {
		t.Fatalf("frame mismatch: %+v", f)
	}
	if err := frame.WriteFrame(remote, frame.Frame{ID: 9, Payload: []byte{0, 1}}, frame.DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	_ = remote.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop after peer close")
	}
	if !s.Info().Closed {
		t.Fatalf("expected session closed")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer remote.Close()
	s := newTestSession(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, local) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop on cancel")
	}
}

type once struct {
	msg  message.Message
	sent bool
}

func (o *once) Register(r *bus.Registrar) {
	r.Produce(bus.ProducerFunc(func(*bus.Context) (message.Message, bool) {
		if o.sent {
			return nil, false
		}
		o.sent = true
		return o.msg, true
	}))
}

func TestRetryBacksOffOnMockClock(t *testing.T) {
	testlog.Start(t)
	clk := clock.NewMock()
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}
	attempts := make(chan int, 4)
	errTransient := errors.New("transient")
	done := make(chan error, 1)
	start := clk.Now()
	go func() {
		done <- Retry(context.Background(), clk, cfg, 3, nil, func(attempt int) error {
			attempts <- attempt
			return errTransient
		})
	}()

	if got := <-attempts; got != 1 {
		t.Fatalf("first attempt mismatch: %d", got)
	}
	if got := advanceUntilAttempt(t, clk, attempts); got != 2 {
		t.Fatalf("second attempt mismatch: %d", got)
	}
	if got := advanceUntilAttempt(t, clk, attempts); got != 3 {
		t.Fatalf("third attempt mismatch: %d", got)
	}
	if err := <-done; !errors.Is(err, errTransient) {
		t.Fatalf("expected last error after max attempts, got %v", err)
	}
	if waited := clk.Now().Sub(start); waited < 3*time.Second {
		t.Fatalf("expected at least 3s of backoff, got %v", waited)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	testlog.Start(t)
	calls := 0
	err := Retry(context.Background(), clock.NewMock(), DefaultConfig().Backoff, 0, nil, func(int) error {
		calls++
		return fmt.Errorf("%w: refused", ErrPermanent)
	})
	if !errors.Is(err, ErrPermanent) || calls != 1 {
		t.Fatalf("expected one permanent failure, calls=%d err=%v", calls, err)
	}
}

// advanceUntilAttempt steps the mock clock until the retry loop makes its
// next attempt.
func advanceUntilAttempt(t *testing.T, clk *clock.Mock, attempts <-chan int) int {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case a := <-attempts:
			return a
		case <-deadline:
			t.Fatalf("retry did not make another attempt")
			return 0
		default:
			clk.Add(500 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}
