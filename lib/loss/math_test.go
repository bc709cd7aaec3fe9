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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCrossEntropyMean(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{
		1, 2, 3,
		0, 0, 0,
	})
	got, err := crossEntropyMean(logits, []int{2, 1})
	require.NoError(t, err)

	lse0 := math.Log(math.Exp(1) + math.Exp(2) + math.Exp(3))
	want := (lse0 - 3 + math.Log(3)) / 2
	assert.InDelta(t, want, got, 1e-12)
}

func TestCrossEntropyMeanErrors(t *testing.T) {
	logits := mat.NewDense(2, 3, nil)

	_, err := crossEntropyMean(logits, []int{0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labels for")

	_, err = crossEntropyMean(logits, []int{0, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	_, err = crossEntropyMean(logits, []int{0, -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestCrossEntropyMeanStableForLargeLogits(t *testing.T) {
	// Naive exp would overflow here; log-sum-exp must not.
	logits := mat.NewDense(1, 2, []float64{1000, 0})
	got, err := crossEntropyMean(logits, []int{0})
	require.NoError(t, err)
	assert.False(t, math.IsNaN(got))
	assert.False(t, math.IsInf(got, 0))
	assert.InDelta(t, 0, got, 1e-12)
}

func TestLogitGrad(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{
		0.5, -1, 2,
		1, 1, 1,
	})
	labels := []int{2, 0}
	grad, err := LogitGrad(logits, labels)
	require.NoError(t, err)

	rows, cols := grad.Dims()
	require.Equal(t, 2, rows)
	require.Equal(t, 3, cols)

	// Each row of (softmax - onehot)/n sums to zero.
	for i := 0; i < rows; i++ {
		var sum float64
		for _, v := range grad.RawRowView(i) {
			sum += v
		}
		assert.InDelta(t, 0, sum, 1e-12, "row %d", i)
	}

	// The uniform row has softmax 1/3 everywhere.
	assert.InDelta(t, (1.0/3-1)/2, grad.At(1, 0), 1e-12)
	assert.InDelta(t, (1.0/3)/2, grad.At(1, 1), 1e-12)

	// The true-label entry is the only negative one in each row.
	for i, y := range labels {
		for j := 0; j < cols; j++ {
			if j == y {
				assert.Negative(t, grad.At(i, j))
			} else {
				assert.Positive(t, grad.At(i, j))
			}
		}
	}
}

func TestLogitGradMatchesFiniteDifference(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{
		0.3, -0.7, 1.2,
		-0.5, 0.9, 0.1,
	})
	labels := []int{1, 2}
	grad, err := LogitGrad(logits, labels)
	require.NoError(t, err)

	const h = 1e-6
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			orig := logits.At(i, j)
			logits.Set(i, j, orig+h)
			up, err := crossEntropyMean(logits, labels)
			require.NoError(t, err)
			logits.Set(i, j, orig-h)
			down, err := crossEntropyMean(logits, labels)
			require.NoError(t, err)
			logits.Set(i, j, orig)

			assert.InDelta(t, (up-down)/(2*h), grad.At(i, j), 1e-6, "entry (%d,%d)", i, j)
		}
	}
}

func TestDistillTermSelfIsEntropy(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{
		2, 0, -1,
		0.5, 0.5, 0.5,
	})
	got, err := distillTerm(logits, logits)
	require.NoError(t, err)

	// With identical distributions the term is the mean Shannon entropy.
	var want float64
	row := make([]float64, 3)
	probs := make([]float64, 3)
	for i := 0; i < 2; i++ {
		mat.Row(row, i, logits)
		softmaxRow(probs, row)
		for _, p := range probs {
			want -= p * math.Log(p)
		}
	}
	want /= 2
	assert.InDelta(t, want, got, 1e-12)
}

func TestDistillTermLowerBoundedBySelf(t *testing.T) {
	teacher := mat.NewDense(1, 3, []float64{1, 0, -1})
	student := mat.NewDense(1, 3, []float64{-1, 0, 1})

	self, err := distillTerm(teacher, teacher)
	require.NoError(t, err)
	cross, err := distillTerm(teacher, student)
	require.NoError(t, err)

	// Gibbs' inequality: cross-entropy is minimized by the teacher itself.
	assert.Greater(t, cross, self)
}

func TestDistillTermShapeMismatch(t *testing.T) {
	_, err := distillTerm(mat.NewDense(2, 3, nil), mat.NewDense(2, 4, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not match")
}
