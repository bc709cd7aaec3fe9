// Copyright 2026 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

func init() {
	RegisterBackend(&inprocessBackend{})
}

type inprocessBackend struct{}

func (b *inprocessBackend) Type() BackendType { return BackendInProcess }
func (b *inprocessBackend) Name() string      { return "in-process hub" }
func (b *inprocessBackend) Available() bool   { return true }
func (b *inprocessBackend) Priority() int     { return 100 }

func (b *inprocessBackend) Connect(_ context.Context, cfg WorldConfig) (Collective, error) {
	if cfg.Hub == nil {
		return nil, fmt.Errorf("%w: in-process backend requires a shared Hub", ErrBackendUnavailable)
	}
	return cfg.Hub.join(cfg.Rank, cfg.logger())
}

// Hub is the shared rendezvous point of an in-process world. All worker
// goroutines of the world hold collectives attached to the same Hub.
type Hub struct {
	worldSize int

	mu       sync.Mutex
	round    *hubRound
	attached map[int]bool
	closed   bool
}

// hubRound is one all-gather rendezvous. The last rank to arrive validates
// shapes and releases everyone; each participant keeps its own pointer to
// the round, so a new round may begin while stragglers still read this one.
type hubRound struct {
	blocks  []*mat.Dense
	pending int
	done    chan struct{}
	err     error
}

// NewHub creates a rendezvous hub for an in-process world of the given size.
func NewHub(worldSize int) (*Hub, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("comm: world size must be at least 1, got %d", worldSize)
	}
	return &Hub{
		worldSize: worldSize,
		attached:  make(map[int]bool, worldSize),
	}, nil
}

// WorldSize returns the size of the world this hub coordinates.
func (h *Hub) WorldSize() int { return h.worldSize }

func (h *Hub) join(rank int, logger *zap.Logger) (Collective, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrWorldClosed
	}
	if rank < 0 || rank >= h.worldSize {
		return nil, fmt.Errorf("comm: rank %d out of range for world size %d", rank, h.worldSize)
	}
	if h.attached[rank] {
		return nil, fmt.Errorf("comm: rank %d already attached to hub", rank)
	}
	h.attached[rank] = true
	return &inprocessCollective{
		hub:    h,
		rank:   rank,
		logger: logger.Named("comm.inprocess"),
	}, nil
}

// gather deposits rank's block and blocks until all ranks of the world have
// deposited theirs. The returned slice holds every rank's own matrix (no
// copies), ordered by rank.
func (h *Hub) gather(ctx context.Context, rank int, local *mat.Dense) ([]*mat.Dense, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrWorldClosed
	}
	if h.round == nil {
		h.round = &hubRound{
			blocks:  make([]*mat.Dense, h.worldSize),
			pending: h.worldSize,
			done:    make(chan struct{}),
		}
	}
	r := h.round
	if r.blocks[rank] != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("comm: rank %d entered the same all-gather twice", rank)
	}
	r.blocks[rank] = local
	r.pending--
	if r.pending == 0 {
		r.err = checkUniformShape(r.blocks)
		h.round = nil
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.blocks, nil
}

func checkUniformShape(blocks []*mat.Dense) error {
	rows, cols := blocks[0].Dims()
	for rank, b := range blocks[1:] {
		r, c := b.Dims()
		if r != rows || c != cols {
			return fmt.Errorf("%w: rank 0 contributed %dx%d, rank %d contributed %dx%d",
				ErrRaggedBatch, rows, cols, rank+1, r, c)
		}
	}
	return nil
}

// close marks the hub closed; subsequent gathers fail with ErrWorldClosed.
func (h *Hub) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

type inprocessCollective struct {
	hub    *Hub
	rank   int
	logger *zap.Logger
}

func (c *inprocessCollective) Rank() int      { return c.rank }
func (c *inprocessCollective) WorldSize() int { return c.hub.worldSize }

func (c *inprocessCollective) AllGatherGrad(ctx context.Context, local *mat.Dense) (*mat.Dense, error) {
	start := time.Now()
	blocks, err := c.hub.gather(ctx, c.rank, local)
	if err != nil {
		RecordGatherFailure(string(BackendInProcess), failureReason(err))
		return nil, err
	}
	out := concatRows(blocks)
	c.record(out, start)
	return out, nil
}

func (c *inprocessCollective) AllGather(ctx context.Context, dst []*mat.Dense, local *mat.Dense) error {
	if len(dst) != c.hub.worldSize {
		return fmt.Errorf("comm: need %d destination buffers, got %d", c.hub.worldSize, len(dst))
	}
	start := time.Now()
	blocks, err := c.hub.gather(ctx, c.rank, local)
	if err != nil {
		RecordGatherFailure(string(BackendInProcess), failureReason(err))
		return err
	}
	for r, b := range blocks {
		dst[r].Copy(b)
	}
	rows, cols := local.Dims()
	RecordGather(string(BackendInProcess), c.hub.worldSize*rows*cols*8, time.Since(start).Seconds())
	return nil
}

func (c *inprocessCollective) Close() error {
	// Closing any rank tears down the world: a partial world can never
	// complete another gather anyway.
	c.hub.close()
	return nil
}

func (c *inprocessCollective) record(out *mat.Dense, start time.Time) {
	rows, cols := out.Dims()
	RecordGather(string(BackendInProcess), rows*cols*8, time.Since(start).Seconds())
	c.logger.Debug("All-gather complete",
		zap.Int("rank", c.rank),
		zap.Int("rows", rows),
		zap.Int("cols", cols))
}

// concatRows stacks the blocks along the row dimension, rank order.
func concatRows(blocks []*mat.Dense) *mat.Dense {
	rows, cols := blocks[0].Dims()
	out := mat.NewDense(rows*len(blocks), cols, nil)
	for r, b := range blocks {
		for i := 0; i < rows; i++ {
			copy(out.RawRowView(r*rows+i), b.RawRowView(i))
		}
	}
	return out
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrRaggedBatch):
		return "ragged_batch"
	case errors.Is(err, ErrWorldClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "io"
	}
}

// NewInProcessWorld creates a hub and connects one collective per rank.
// Intended for tests and single-process multi-worker runs.
func NewInProcessWorld(ctx context.Context, worldSize int, logger *zap.Logger) ([]Collective, error) {
	hub, err := NewHub(worldSize)
	if err != nil {
		return nil, err
	}
	colls := make([]Collective, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		colls[rank], err = Connect(ctx, BackendInProcess, WorldConfig{
			Rank:      rank,
			WorldSize: worldSize,
			Hub:       hub,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting rank %d: %w", rank, err)
		}
	}
	return colls, nil
}
