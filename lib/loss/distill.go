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

// DistillContrastive adds a teacher→student distillation term to the
// contrastive loss. Teacher logits run through the same core as student
// logits so both see the same gather and scaling policy; suppressing
// gradients on the teacher path is the caller's responsibility. The two
// terms are returned separately and unweighted.
type DistillContrastive struct {
	contrastive *Contrastive
}

// NewDistillContrastive wraps a contrastive loss with a distillation term.
func NewDistillContrastive(core *Core) *DistillContrastive {
	return &DistillContrastive{contrastive: NewContrastive(core)}
}

// Forward computes both terms for one step. The teacher feature batches and
// logit scale come from the (frozen) teacher model's forward pass over the
// same samples.
func (l *DistillContrastive) Forward(
	ctx context.Context,
	featuresA, featuresB *mat.Dense,
	logitScale float64,
	teacherFeaturesA, teacherFeaturesB *mat.Dense,
	teacherLogitScale float64,
) (Output, error) {
	core := l.contrastive.core

	logitsA, logitsB, err := core.Logits(ctx, featuresA, featuresB, logitScale)
	if err != nil {
		return Output{}, err
	}
	teacherA, teacherB, err := core.Logits(ctx, teacherFeaturesA, teacherFeaturesB, teacherLogitScale)
	if err != nil {
		return Output{}, err
	}

	contrastive, err := core.symmetricCrossEntropy(logitsA, logitsB)
	if err != nil {
		return Output{}, err
	}

	distillA, err := distillTerm(teacherA, logitsA)
	if err != nil {
		return Output{}, err
	}
	distillB, err := distillTerm(teacherB, logitsB)
	if err != nil {
		return Output{}, err
	}

	RecordForward("distill")
	return Output{
		Contrastive: contrastive,
		Distill:     (distillA + distillB) / 2,
		hasDistill:  true,
	}, nil
}
