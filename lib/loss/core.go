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

// Package loss implements contrastive and distillation losses for
// dual-encoder representation learning. Feature batches are row-per-sample
// matrices, assumed L2-normalized upstream; losses are built over a shared
// Core that owns logit construction and the ground-truth label cache, so
// every variant sees identical similarity matrices for identical inputs.
package loss

import (
	"context"
	"fmt"

	"github.com/antflydb/contrastive/lib/gather"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// CoreConfig configures the shared contrastive core.
type CoreConfig struct {
	// Rank of this worker, in [0, WorldSize).
	Rank int

	// WorldSize is the number of data-parallel workers. 1 means no
	// communication at all.
	WorldSize int

	// LocalLoss computes logits as local rows against global columns
	// instead of the full global-by-global matrix. Memory-efficient, but
	// labels become rank-offset.
	LocalLoss bool

	// CacheLabels enables the per-device ground-truth label cache.
	CacheLabels bool

	// Device is the cache identity for ground-truth labels. Empty means
	// DeviceCPU.
	Device Device

	// Gatherer supplies the global feature batches. Required when
	// WorldSize > 1; this must wrap a collective whose rank and world size
	// match Rank and WorldSize.
	Gatherer *gather.Gatherer

	// Logger for cache and forward events. Nil means no logging.
	Logger *zap.Logger
}

// Core builds logit matrices and ground-truth labels for the loss variants.
// One Core is shared by every variant of a worker so that student and
// teacher logits, or contrastive and caption terms, see the same policy.
type Core struct {
	rank      int
	worldSize int
	localLoss bool
	device    Device
	gatherer  *gather.Gatherer
	labels    *labelCache
	logger    *zap.Logger
}

// NewCore validates cfg and creates a Core.
func NewCore(cfg CoreConfig) (*Core, error) {
	if cfg.WorldSize < 1 {
		return nil, fmt.Errorf("loss: world size must be at least 1, got %d", cfg.WorldSize)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf("loss: rank %d out of range for world size %d", cfg.Rank, cfg.WorldSize)
	}
	if cfg.WorldSize > 1 {
		if cfg.Gatherer == nil {
			return nil, fmt.Errorf("loss: world size %d: %w", cfg.WorldSize, gather.ErrNoCollective)
		}
		if cfg.Gatherer.Rank() != cfg.Rank || cfg.Gatherer.WorldSize() != cfg.WorldSize {
			return nil, fmt.Errorf("loss: gatherer is rank %d of %d, config says rank %d of %d",
				cfg.Gatherer.Rank(), cfg.Gatherer.WorldSize(), cfg.Rank, cfg.WorldSize)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("loss")
	device := cfg.Device
	if device == "" {
		device = DeviceCPU
	}
	return &Core{
		rank:      cfg.Rank,
		worldSize: cfg.WorldSize,
		localLoss: cfg.LocalLoss,
		device:    device,
		gatherer:  cfg.Gatherer,
		labels:    newLabelCache(cfg.CacheLabels, logger),
		logger:    logger,
	}, nil
}

// GroundTruth returns the index labels for a logits matrix with numLogits
// rows on the given device: arange(numLogits), offset by rank*numLogits
// when computing a local loss in a multi-worker world. Cached per device
// when caching is enabled; a numLogits change on a device invalidates only
// that device's entry.
func (c *Core) GroundTruth(device Device, numLogits int) []int {
	if cached := c.labels.get(device, numLogits); cached != nil {
		return cached
	}
	labels := make([]int, numLogits)
	offset := 0
	if c.worldSize > 1 && c.localLoss {
		offset = c.rank * numLogits
	}
	for i := range labels {
		labels[i] = offset + i
	}
	c.labels.put(device, numLogits, labels)
	return labels
}

// Logits builds the two scaled similarity matrices for one forward pass.
//
// For a single worker both matrices are direct products of the local
// batches. For multiple workers the global batches are gathered first; the
// local-loss policy keeps local rows against global columns for both
// directions, while the global policy materializes the full matrix once and
// returns its exact transpose as the second direction.
func (c *Core) Logits(ctx context.Context, featuresA, featuresB *mat.Dense, logitScale float64) (mat.Matrix, mat.Matrix, error) {
	if c.worldSize == 1 {
		return scaledProduct(logitScale, featuresA, featuresB),
			scaledProduct(logitScale, featuresB, featuresA), nil
	}

	gathered, err := c.gatherer.Gather(ctx, featuresA, featuresB)
	if err != nil {
		return nil, nil, fmt.Errorf("gathering features: %w", err)
	}

	if c.localLoss {
		return scaledProduct(logitScale, featuresA, gathered.AllB),
			scaledProduct(logitScale, featuresB, gathered.AllA), nil
	}

	logitsA := scaledProduct(logitScale, gathered.AllA, gathered.AllB)
	return logitsA, logitsA.T(), nil
}

// symmetricCrossEntropy averages the cross-entropies of the two logit
// directions against the device's ground-truth labels.
func (c *Core) symmetricCrossEntropy(logitsA, logitsB mat.Matrix) (float64, error) {
	rows, _ := logitsA.Dims()
	labels := c.GroundTruth(c.device, rows)

	ceA, err := crossEntropyMean(logitsA, labels)
	if err != nil {
		return 0, fmt.Errorf("cross-entropy over modality A logits: %w", err)
	}
	ceB, err := crossEntropyMean(logitsB, labels)
	if err != nil {
		return 0, fmt.Errorf("cross-entropy over modality B logits: %w", err)
	}
	return (ceA + ceB) / 2, nil
}

// scaledProduct computes scale * a · bᵀ.
func scaledProduct(scale float64, a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b.T())
	out.Scale(scale, &out)
	return &out
}
