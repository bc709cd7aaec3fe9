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

package loss

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// Contrastive is the symmetric InfoNCE-style alignment loss: mean of the
// two categorical cross-entropies over the scaled similarity matrix, one
// per direction. The pairing is generic: (image, text) and
// (text variant A, text variant B) are both just two modalities.
type Contrastive struct {
	core *Core
}

// NewContrastive creates the contrastive loss over a shared core.
func NewContrastive(core *Core) *Contrastive {
	return &Contrastive{core: core}
}

// Core exposes the shared core, for callers composing several variants.
func (l *Contrastive) Core() *Core { return l.core }

// Forward computes the loss for one step. featuresA and featuresB are
// row-per-sample batches with equal row counts; logitScale is the learned
// temperature, supplied fresh each call.
func (l *Contrastive) Forward(ctx context.Context, featuresA, featuresB *mat.Dense, logitScale float64) (Output, error) {
	logitsA, logitsB, err := l.core.Logits(ctx, featuresA, featuresB, logitScale)
	if err != nil {
		return Output{}, err
	}
	total, err := l.core.symmetricCrossEntropy(logitsA, logitsB)
	if err != nil {
		return Output{}, err
	}
	RecordForward("contrastive")
	return Output{Contrastive: total}, nil
}
