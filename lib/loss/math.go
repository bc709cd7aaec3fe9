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
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// crossEntropyMean computes the mean categorical cross-entropy of the logit
// rows against integer class labels, using the log-sum-exp identity
//
//	-log softmax(z)[y] = logsumexp(z) - z[y]
//
// so no intermediate probabilities are materialized.
func crossEntropyMean(logits mat.Matrix, labels []int) (float64, error) {
	rows, cols := logits.Dims()
	if len(labels) != rows {
		return 0, fmt.Errorf("loss: %d labels for %d logit rows", len(labels), rows)
	}

	row := make([]float64, cols)
	var sum float64
	for i := 0; i < rows; i++ {
		y := labels[i]
		if y < 0 || y >= cols {
			return 0, fmt.Errorf("loss: label %d out of range for %d classes", y, cols)
		}
		mat.Row(row, i, logits)
		sum += floats.LogSumExp(row) - row[y]
	}
	return sum / float64(rows), nil
}

// logSoftmaxRow writes log softmax of src into dst.
func logSoftmaxRow(dst, src []float64) {
	lse := floats.LogSumExp(src)
	for j, v := range src {
		dst[j] = v - lse
	}
}

// softmaxRow writes softmax of src into dst.
func softmaxRow(dst, src []float64) {
	logSoftmaxRow(dst, src)
	for j, v := range dst {
		dst[j] = math.Exp(v)
	}
}

// LogitGrad computes the gradient of the mean categorical cross-entropy with
// respect to the logits: (softmax(z) - onehot(y)) / rows per row. Callers
// without an implicit autodiff engine backpropagate from here, restricting
// peer-block rows to the slice marked by gather.Gathered when the gather was
// not gradient-aware.
func LogitGrad(logits mat.Matrix, labels []int) (*mat.Dense, error) {
	rows, cols := logits.Dims()
	if len(labels) != rows {
		return nil, fmt.Errorf("loss: %d labels for %d logit rows", len(labels), rows)
	}

	grad := mat.NewDense(rows, cols, nil)
	row := make([]float64, cols)
	inv := 1 / float64(rows)
	for i := 0; i < rows; i++ {
		y := labels[i]
		if y < 0 || y >= cols {
			return nil, fmt.Errorf("loss: label %d out of range for %d classes", y, cols)
		}
		mat.Row(row, i, logits)
		out := grad.RawRowView(i)
		softmaxRow(out, row)
		out[y] -= 1
		for j := range out {
			out[j] *= inv
		}
	}
	return grad, nil
}

// distillTerm computes the mean over rows of
//
//	-Σ_j softmax(teacher)[j] · logsoftmax(student)[j]
//
// a cross-entropy-form surrogate for the teacher→student KL divergence.
// Teacher and student logits must have identical shapes.
func distillTerm(teacher, student mat.Matrix) (float64, error) {
	tr, tc := teacher.Dims()
	sr, sc := student.Dims()
	if tr != sr || tc != sc {
		return 0, fmt.Errorf("loss: teacher logits %dx%d do not match student logits %dx%d", tr, tc, sr, sc)
	}

	tRow := make([]float64, tc)
	sRow := make([]float64, sc)
	tProbs := make([]float64, tc)
	sLogProbs := make([]float64, sc)
	var sum float64
	for i := 0; i < tr; i++ {
		mat.Row(tRow, i, teacher)
		mat.Row(sRow, i, student)
		softmaxRow(tProbs, tRow)
		logSoftmaxRow(sLogProbs, sRow)
		var dot float64
		for j := range tProbs {
			dot += tProbs[j] * sLogProbs[j]
		}
		sum -= dot
	}
	return sum / float64(tr), nil
}
