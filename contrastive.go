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

// Package contrastive wires the communication, gathering and loss layers of
// a data-parallel dual-encoder training worker into one handle. Callers that
// want finer control can use lib/comm, lib/gather and lib/loss directly.
package contrastive

import (
	"context"
	"fmt"
	"time"

	"github.com/antflydb/contrastive/lib/comm"
	"github.com/antflydb/contrastive/lib/gather"
	"github.com/antflydb/contrastive/lib/loss"
	"go.uber.org/zap"
)

// Config describes one worker of a contrastive training job.
type Config struct {
	// Backend selects the communication backend ("inprocess" or "tcp").
	// Ignored when WorldSize is 1.
	Backend string

	// Addr is the rendezvous address of rank 0 (TCP backend).
	Addr string

	// Hub attaches this worker to an in-process world (in-process backend).
	Hub *comm.Hub

	// Rank of this worker, in [0, WorldSize).
	Rank int

	// WorldSize is the number of data-parallel workers.
	WorldSize int

	// Device is the label-cache identity of this worker's compute device.
	Device string

	// LocalLoss computes local-rows × global-columns logits instead of the
	// full global matrix.
	LocalLoss bool

	// GatherWithGrad requests gradient-aware feature gathering.
	GatherWithGrad bool

	// CacheLabels enables the ground-truth label cache.
	CacheLabels bool

	// NamedOutputs controls whether Report renders losses as a named map
	// or as bare values. Honored identically for every loss variant.
	NamedOutputs bool

	// DialTimeout bounds the communication rendezvous.
	DialTimeout time.Duration

	// Logger for all layers. Nil means no logging.
	Logger *zap.Logger
}

// Node is one worker's loss-computation handle.
type Node struct {
	logger *zap.Logger
	coll   comm.Collective
	core   *loss.Core
	named  bool
}

// New connects the worker to its world (when WorldSize > 1) and builds the
// shared loss core. It blocks until the communication rendezvous completes.
func New(ctx context.Context, cfg Config) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		coll comm.Collective
		g    *gather.Gatherer
		err  error
	)
	if cfg.WorldSize > 1 {
		backend, err := comm.ParseBackendType(cfg.Backend)
		if err != nil {
			return nil, err
		}
		coll, err = comm.Connect(ctx, backend, comm.WorldConfig{
			Rank:        cfg.Rank,
			WorldSize:   cfg.WorldSize,
			Addr:        cfg.Addr,
			Hub:         cfg.Hub,
			DialTimeout: cfg.DialTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to world: %w", err)
		}
		g, err = gather.New(coll,
			gather.WithGrad(cfg.GatherWithGrad),
			gather.WithLocalLoss(cfg.LocalLoss),
			gather.WithLogger(logger),
		)
		if err != nil {
			_ = coll.Close()
			return nil, err
		}
	}

	core, err := loss.NewCore(loss.CoreConfig{
		Rank:        cfg.Rank,
		WorldSize:   cfg.WorldSize,
		LocalLoss:   cfg.LocalLoss,
		CacheLabels: cfg.CacheLabels,
		Device:      loss.Device(cfg.Device),
		Gatherer:    g,
		Logger:      logger,
	})
	if err != nil {
		if coll != nil {
			_ = coll.Close()
		}
		return nil, err
	}

	return &Node{
		logger: logger.Named("contrastive"),
		coll:   coll,
		core:   core,
		named:  cfg.NamedOutputs,
	}, nil
}

// Core returns the shared loss core.
func (n *Node) Core() *loss.Core { return n.core }

// Contrastive returns the symmetric contrastive loss.
func (n *Node) Contrastive() *loss.Contrastive {
	return loss.NewContrastive(n.core)
}

// CaptionContrastive returns the caption-augmented loss.
func (n *Node) CaptionContrastive(cfg loss.CaptionConfig) *loss.CaptionContrastive {
	return loss.NewCaptionContrastive(n.core, cfg)
}

// DistillContrastive returns the distillation loss.
func (n *Node) DistillContrastive() *loss.DistillContrastive {
	return loss.NewDistillContrastive(n.core)
}

// Report renders an Output according to the NamedOutputs setting: the named
// term map when enabled, otherwise the bare term values in declaration
// order.
func (n *Node) Report(o loss.Output) any {
	if n.named {
		return o.Named()
	}
	named := o.Named()
	if len(named) == 1 {
		return o.Contrastive
	}
	values := []float64{o.Contrastive}
	if _, ok := named[loss.KeyCaption]; ok {
		values = append(values, o.Caption)
	}
	if _, ok := named[loss.KeyDistill]; ok {
		values = append(values, o.Distill)
	}
	return values
}

// Close detaches the worker from its world.
func (n *Node) Close() error {
	if n.coll == nil {
		return nil
	}
	return n.coll.Close()
}
