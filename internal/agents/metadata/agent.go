// Package metadata fetches and serves the torrent metadata blob over the
// ut_metadata extension.
package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/peerwire/internal/agents"
	"github.com/danmuck/peerwire/internal/bus"
	"github.com/danmuck/peerwire/internal/lifecycle"
	"github.com/danmuck/peerwire/internal/protocol/extension"
	"github.com/danmuck/peerwire/internal/protocol/message"
)

// MaxMetadataSize bounds the blob size a peer may announce.
const MaxMetadataSize = 8 << 20

// MaxPendingReplies bounds the answers queued for one peer. Requests past it
// are dropped until Produce drains the queue.
const MaxPendingReplies = 16

// StageVerify is the lifecycle stage wrapping verification and storage.
const StageVerify = "metadata.verify"

var Metadata = agents.AgentMetadata{
	ID:          "agent.metadata",
	Description: "fetches and serves metadata over ut_metadata",
}

var ErrUnexpectedPiece = errors.New("metadata: unexpected piece")

// Agent requests missing pieces one per tick, assembles them and runs
// verification through the metadata-obtained lifecycle event. It answers
// peer requests from the store.
type Agent struct {
	store agents.MetadataStore

	size      int64
	pieces    [][]byte
	requested []bool
	received  int
	rejected  bool
	done      bool

	replies []extension.Metadata
}

func New(store agents.MetadataStore) *Agent {
	a := &Agent{store: store}
	if _, ok := store.Metadata(); ok {
		a.done = true
	}
	return a
}

func Factory(store agents.MetadataStore) agents.Factory {
	return func(conn agents.Conn) (bus.Agent, error) {
		if !conn.RemoteExtensions {
			return nil, nil
		}
		return New(store), nil
	}
}

func (a *Agent) Name() string { return Metadata.ID }

func (a *Agent) Register(r *bus.Registrar) {
	r.Produce(a)
	bus.Handle(r, a.onHandshake)
	bus.Handle(r, a.onMetadata)
}

// Complete reports whether a verified blob is held.
func (a *Agent) Complete() bool {
	return a.done
}

func (a *Agent) onHandshake(ctx *bus.Context, hs extension.Handshake) error {
	if a.done || hs.MetadataSize <= 0 {
		return nil
	}
	if hs.MetadataSize > MaxMetadataSize {
		ctx.Logger().Warn().Int64("metadata_size", hs.MetadataSize).Msg("ignoring oversized metadata announcement")
		return nil
	}
	a.reset(hs.MetadataSize)
	return nil
}

func (a *Agent) reset(size int64) {
	n := extension.MetadataPieces(size)
	a.size = size
	a.pieces = make([][]byte, n)
	a.requested = make([]bool, n)
	a.received = 0
}

func (a *Agent) onMetadata(ctx *bus.Context, msg extension.Metadata) error {
	switch msg.Type {
	case extension.MetadataRequest:
		return a.answer(ctx, msg.Piece)
	case extension.MetadataReject:
		ctx.Logger().Debug().Int("piece", msg.Piece).Msg("metadata request rejected")
		a.rejected = true
		return nil
	case extension.MetadataData:
		return a.accept(ctx, msg)
	default:
		return nil
	}
}

func (a *Agent) answer(ctx *bus.Context, piece int) error {
	for _, pending := range a.replies {
		if pending.Piece == piece {
			return nil
		}
	}
	if len(a.replies) >= MaxPendingReplies {
		ctx.Logger().Debug().Int("piece", piece).Int("pending", len(a.replies)).Msg("dropping metadata request, reply queue full")
		return nil
	}
	blob, ok := a.store.Metadata()
	if !ok || piece >= extension.MetadataPieces(int64(len(blob))) {
		reject, err := extension.NewMetadataReject(piece)
		if err != nil {
			return err
		}
		a.replies = append(a.replies, reject)
		return nil
	}
	start := piece * extension.MetadataPieceSize
	end := start + extension.MetadataPieceLen(int64(len(blob)), piece)
	data, err := extension.NewMetadataData(piece, int64(len(blob)), blob[start:end])
	if err != nil {
		return err
	}
	a.replies = append(a.replies, data)
	return nil
}

func (a *Agent) accept(ctx *bus.Context, msg extension.Metadata) error {
	if a.done {
		return nil
	}
	if a.pieces == nil || msg.TotalSize != a.size || msg.Piece >= len(a.pieces) {
		return fmt.Errorf("%w: piece %d of %d bytes", ErrUnexpectedPiece, msg.Piece, msg.TotalSize)
	}
	if len(msg.Data) != extension.MetadataPieceLen(a.size, msg.Piece) {
		return fmt.Errorf("%w: piece %d has %d bytes", ErrUnexpectedPiece, msg.Piece, len(msg.Data))
	}
	if a.pieces[msg.Piece] == nil {
		a.pieces[msg.Piece] = msg.Data
		a.received++
	}
	if a.received < len(a.pieces) {
		return nil
	}
	blob := make([]byte, 0, a.size)
	for _, p := range a.pieces {
		blob = append(blob, p...)
	}
	err := ctx.RunStage(lifecycle.EventMetadataObtained, StageVerify, func(context.Context) error {
		if err := a.store.Verify(blob); err != nil {
			return err
		}
		return a.store.Store(blob)
	})
	if err != nil {
		a.reset(a.size)
		return fmt.Errorf("metadata: %w", err)
	}
	a.done = true
	a.pieces = nil
	ctx.Logger().Info().Int64("size", a.size).Msg("metadata obtained")
	return nil
}

// Produce answers pending peer requests first, then asks for the next
// missing piece.
func (a *Agent) Produce(ctx *bus.Context) (message.Message, bool) {
	if len(a.replies) > 0 {
		reply := a.replies[0]
		a.replies = a.replies[1:]
		return reply, true
	}
	if a.done || a.rejected || a.pieces == nil || !ctx.Extensions().Supports(extension.MetadataName) {
		return nil, false
	}
	for i, asked := range a.requested {
		if asked || a.pieces[i] != nil {
			continue
		}
		req, err := extension.NewMetadataRequest(i)
		if err != nil {
			return nil, false
		}
		a.requested[i] = true
		return req, true
	}
	return nil, false
}
