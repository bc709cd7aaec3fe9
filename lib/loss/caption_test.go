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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newCaptionLoss(t *testing.T, cfg CaptionConfig) *CaptionContrastive {
	t.Helper()
	core, err := NewCore(CoreConfig{Rank: 0, WorldSize: 1})
	require.NoError(t, err)
	return NewCaptionContrastive(core, cfg)
}

func TestTokenCrossEntropyIgnoresPad(t *testing.T) {
	const padID = 0

	// Two sequences; the second is entirely pad after the first token.
	logits := []*mat.Dense{
		mat.NewDense(2, 3, []float64{
			5, 0, 0,
			0, 5, 0,
		}),
		mat.NewDense(2, 3, []float64{
			0, 0, 5,
			-100, 100, -100, // would dominate if pad were counted
		}),
	}
	labels := [][]int{{1, 2}, {2, padID}}

	got, err := tokenCrossEntropy(logits, labels, padID)
	require.NoError(t, err)

	// Mean over the three non-pad positions only.
	ce := func(row []float64, y int) float64 {
		var sum float64
		for _, v := range row {
			sum += math.Exp(v)
		}
		return math.Log(sum) - row[y]
	}
	want := (ce([]float64{5, 0, 0}, 1) + ce([]float64{0, 5, 0}, 2) + ce([]float64{0, 0, 5}, 2)) / 3
	assert.InDelta(t, want, got, 1e-12)
}

func TestTokenCrossEntropyAllPad(t *testing.T) {
	logits := []*mat.Dense{mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})}
	labels := [][]int{{0, 0}}
	got, err := tokenCrossEntropy(logits, labels, 0)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestTokenCrossEntropyShapeErrors(t *testing.T) {
	_, err := tokenCrossEntropy([]*mat.Dense{mat.NewDense(2, 3, nil)}, nil, 0)
	require.Error(t, err)

	_, err = tokenCrossEntropy([]*mat.Dense{mat.NewDense(2, 3, nil)}, [][]int{{1}}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logit rows for")
}

func TestPadIDFromTokenizerNil(t *testing.T) {
	assert.Equal(t, 0, PadIDFromTokenizer(nil))
}

func TestCaptionForwardWeightsTermsSeparately(t *testing.T) {
	l := newCaptionLoss(t, CaptionConfig{
		ContrastiveWeight: 2,
		CaptionWeight:     0.5,
		PadID:             0,
	})

	// Uniform zero similarities give a known contrastive term of log(batch).
	a := mat.NewDense(2, 2, []float64{1, 0, 1, 0})
	b := mat.NewDense(2, 2, []float64{0, 1, 0, 1})

	// Uniform token logits give a caption term of log(vocab).
	tokenLogits := []*mat.Dense{mat.NewDense(2, 4, nil), mat.NewDense(2, 4, nil)}
	tokenLabels := [][]int{{1, 2}, {3, 1}}

	out, err := l.Forward(context.Background(), a, b, tokenLogits, tokenLabels, 10)
	require.NoError(t, err)

	assert.InDelta(t, 2*math.Log(2), out.Contrastive, 1e-12)
	assert.InDelta(t, 0.5*math.Log(4), out.Caption, 1e-12)

	named := out.Named()
	assert.Len(t, named, 2)
	assert.Contains(t, named, KeyContrastive)
	assert.Contains(t, named, KeyCaption)
	assert.InDelta(t, out.Contrastive+out.Caption, out.Total(), 1e-12)
}

func TestCaptionForwardPadMaskingEndToEnd(t *testing.T) {
	l := newCaptionLoss(t, CaptionConfig{ContrastiveWeight: 1, CaptionWeight: 1, PadID: 9})

	a := unitRows(90, 2, 3)
	b := unitRows(91, 2, 3)

	base := []*mat.Dense{mat.NewDense(2, 4, []float64{
		1, 2, 3, 4,
		4, 3, 2, 1,
	})}
	baseLabels := [][]int{{0, 3}}
	want, err := l.Forward(context.Background(), a, b, base, baseLabels, 10)
	require.NoError(t, err)

	// Appending pad positions with arbitrary logits must not move either term.
	padded := []*mat.Dense{mat.NewDense(4, 4, []float64{
		1, 2, 3, 4,
		4, 3, 2, 1,
		-50, 60, -70, 80,
		7, 7, 7, 7,
	})}
	paddedLabels := [][]int{{0, 3, 9, 9}}
	got, err := l.Forward(context.Background(), a, b, padded, paddedLabels, 10)
	require.NoError(t, err)

	assert.InDelta(t, want.Contrastive, got.Contrastive, 1e-12)
	assert.InDelta(t, want.Caption, got.Caption, 1e-12)
}
