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

// Package gather reconstructs the global feature batches of a data-parallel
// training step. Each worker contributes its local batch for both modalities
// and receives the full rank-ordered concatenation of all workers' batches,
// together with an explicit marker of which row slice is the worker's own
// differentiable input.
package gather

import (
	"context"
	"errors"
	"fmt"

	"github.com/antflydb/contrastive/lib/comm"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// ErrNoCollective is returned when a Gatherer is constructed without a
// collective. Running a multi-worker loss without communication would
// silently corrupt the loss, so this fails loudly instead.
var ErrNoCollective = errors.New("gather: no collective configured")

// Gathered is one worker's view of the global feature batches.
//
// AllA and AllB concatenate every rank's local batch along the row
// dimension, block r holding rank r's rows. When PeerGrad is false only the
// rows in [LocalStart, LocalStart+LocalRows) originate from this worker's
// own input matrices; a caller doing explicit gradient bookkeeping must
// route gradients through that slice and treat all other rows as constants.
type Gathered struct {
	AllA *mat.Dense
	AllB *mat.Dense

	// LocalStart is the first row of this worker's own block.
	LocalStart int
	// LocalRows is the number of rows in this worker's own block.
	LocalRows int
	// PeerGrad reports whether peer blocks also participate in gradient
	// computation (gradient-aware gather).
	PeerGrad bool
}

// Gatherer gathers both modalities' feature batches across the world.
type Gatherer struct {
	coll      comm.Collective
	withGrad  bool
	localLoss bool
	logger    *zap.Logger
}

// Option configures a Gatherer.
type Option func(*Gatherer)

// WithGrad requests gradient-aware gathering: every worker's output carries
// gradients back to every other worker's local computation. Requires a
// backend that supports it.
func WithGrad(enabled bool) Option {
	return func(g *Gatherer) { g.withGrad = enabled }
}

// WithLocalLoss marks that the caller computes a local loss (local rows
// against global columns). In that mode the gathered output is used only as
// constant columns, so the worker's own block is not spliced back in for
// gradient preservation.
func WithLocalLoss(enabled bool) Option {
	return func(g *Gatherer) { g.localLoss = enabled }
}

// WithLogger sets the logger. Nil is replaced by a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gatherer) { g.logger = logger }
}

// New creates a Gatherer over the given collective.
func New(coll comm.Collective, opts ...Option) (*Gatherer, error) {
	if coll == nil {
		return nil, ErrNoCollective
	}
	g := &Gatherer{coll: coll, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	g.logger = g.logger.Named("gather")
	return g, nil
}

// Rank returns the underlying collective's rank.
func (g *Gatherer) Rank() int { return g.coll.Rank() }

// WorldSize returns the underlying collective's world size.
func (g *Gatherer) WorldSize() int { return g.coll.WorldSize() }

// Gather produces this worker's view of the global batches for both
// modalities. Both input matrices must have the same number of rows; every
// rank must contribute the same shape or the gather fails with
// comm.ErrRaggedBatch.
func (g *Gatherer) Gather(ctx context.Context, featuresA, featuresB *mat.Dense) (*Gathered, error) {
	rowsA, _ := featuresA.Dims()
	rowsB, _ := featuresB.Dims()
	if rowsA != rowsB {
		return nil, fmt.Errorf("gather: modality row counts differ: %d vs %d", rowsA, rowsB)
	}

	if g.withGrad {
		return g.gatherGrad(ctx, featuresA, featuresB)
	}
	return g.gatherNoGrad(ctx, featuresA, featuresB)
}

func (g *Gatherer) gatherGrad(ctx context.Context, featuresA, featuresB *mat.Dense) (*Gathered, error) {
	allA, err := g.coll.AllGatherGrad(ctx, featuresA)
	if err != nil {
		return nil, fmt.Errorf("gathering modality A: %w", err)
	}
	allB, err := g.coll.AllGatherGrad(ctx, featuresB)
	if err != nil {
		return nil, fmt.Errorf("gathering modality B: %w", err)
	}
	rows, _ := featuresA.Dims()
	return &Gathered{
		AllA:       allA,
		AllB:       allB,
		LocalStart: g.coll.Rank() * rows,
		LocalRows:  rows,
		PeerGrad:   true,
	}, nil
}

// gatherNoGrad gathers into fresh zero buffers and, unless the caller runs a
// local loss, splices the worker's own input back into its rank slot so the
// local gradient path survives the non-differentiable collective.
func (g *Gatherer) gatherNoGrad(ctx context.Context, featuresA, featuresB *mat.Dense) (*Gathered, error) {
	world := g.coll.WorldSize()
	rank := g.coll.Rank()
	rows, cols := featuresA.Dims()
	_, colsB := featuresB.Dims()

	bufA := zeroBuffers(world, rows, cols)
	bufB := zeroBuffers(world, rows, colsB)
	if err := g.coll.AllGather(ctx, bufA, featuresA); err != nil {
		return nil, fmt.Errorf("gathering modality A: %w", err)
	}
	if err := g.coll.AllGather(ctx, bufB, featuresB); err != nil {
		return nil, fmt.Errorf("gathering modality B: %w", err)
	}

	if !g.localLoss {
		bufA[rank] = featuresA
		bufB[rank] = featuresB
	}

	g.logger.Debug("Gathered global batches",
		zap.Int("rank", rank),
		zap.Int("world_size", world),
		zap.Int("rows_per_rank", rows))

	return &Gathered{
		AllA:       concatRows(bufA),
		AllB:       concatRows(bufB),
		LocalStart: rank * rows,
		LocalRows:  rows,
		PeerGrad:   false,
	}, nil
}

func zeroBuffers(world, rows, cols int) []*mat.Dense {
	bufs := make([]*mat.Dense, world)
	for r := range bufs {
		bufs[r] = mat.NewDense(rows, cols, nil)
	}
	return bufs
}

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
