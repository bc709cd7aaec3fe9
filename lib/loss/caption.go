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
	"fmt"

	"github.com/sugarme/tokenizer"
	"gonum.org/v1/gonum/mat"
)

// CaptionConfig configures the caption-augmented contrastive loss.
type CaptionConfig struct {
	// ContrastiveWeight scales the contrastive term.
	ContrastiveWeight float64

	// CaptionWeight scales the token-generation term.
	CaptionWeight float64

	// PadID is the token id excluded from the caption cross-entropy.
	PadID int
}

// CaptionContrastive augments the contrastive loss with a weighted
// token-generation cross-entropy over a caption decoder's logits. The two
// terms are weighted independently and returned separately.
type CaptionContrastive struct {
	contrastive *Contrastive
	cfg         CaptionConfig
}

// NewCaptionContrastive wraps a contrastive loss with a caption term.
func NewCaptionContrastive(core *Core, cfg CaptionConfig) *CaptionContrastive {
	return &CaptionContrastive{
		contrastive: NewContrastive(core),
		cfg:         cfg,
	}
}

// Forward computes both terms for one step. tokenLogits holds one
// sequence-length × vocabulary matrix per sample; tokenLabels holds the
// matching target token ids. Positions whose target equals the configured
// pad id do not contribute to the caption term.
func (l *CaptionContrastive) Forward(
	ctx context.Context,
	featuresA, featuresB *mat.Dense,
	tokenLogits []*mat.Dense,
	tokenLabels [][]int,
	logitScale float64,
) (Output, error) {
	contrastive, err := l.contrastive.Forward(ctx, featuresA, featuresB, logitScale)
	if err != nil {
		return Output{}, err
	}

	caption, err := tokenCrossEntropy(tokenLogits, tokenLabels, l.cfg.PadID)
	if err != nil {
		return Output{}, err
	}

	RecordForward("caption")
	return Output{
		Contrastive: l.cfg.ContrastiveWeight * contrastive.Contrastive,
		Caption:     l.cfg.CaptionWeight * caption,
		hasCaption:  true,
	}, nil
}

// tokenCrossEntropy averages the per-token categorical cross-entropy over
// every non-pad target position of the batch. A batch with no non-pad
// targets yields zero.
func tokenCrossEntropy(tokenLogits []*mat.Dense, tokenLabels [][]int, padID int) (float64, error) {
	if len(tokenLogits) != len(tokenLabels) {
		return 0, fmt.Errorf("loss: %d logit sequences for %d label sequences", len(tokenLogits), len(tokenLabels))
	}

	var sum float64
	var count int
	for i, logits := range tokenLogits {
		seqLen, _ := logits.Dims()
		labels := tokenLabels[i]
		if len(labels) != seqLen {
			return 0, fmt.Errorf("loss: sample %d has %d logit rows for %d target tokens", i, seqLen, len(labels))
		}
		kept := make([]int, 0, seqLen)
		for t, y := range labels {
			if y == padID {
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			continue
		}
		rowLabels := make([]int, len(kept))
		rows := mat.NewDense(len(kept), cols(logits), nil)
		for k, t := range kept {
			copy(rows.RawRowView(k), logits.RawRowView(t))
			rowLabels[k] = labels[t]
		}
		ce, err := crossEntropyMean(rows, rowLabels)
		if err != nil {
			return 0, fmt.Errorf("loss: caption sample %d: %w", i, err)
		}
		sum += ce * float64(len(kept))
		count += len(kept)
	}
	if count == 0 {
		return 0, nil
	}
	return sum / float64(count), nil
}

func cols(m mat.Matrix) int {
	_, c := m.Dims()
	return c
}

// PadIDFromTokenizer resolves the pad token id from a tokenizer's padding
// configuration. Falls back to 0, the pad-token convention of CLIP-style
// custom tokenizers, when no padding is configured.
func PadIDFromTokenizer(tk *tokenizer.Tokenizer) int {
	if tk == nil {
		return 0
	}
	if p := tk.GetPadding(); p != nil {
		return p.PadId
	}
	return 0
}
