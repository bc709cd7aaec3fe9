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
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

func TestContrastivePerfectAlignment(t *testing.T) {
	core, err := NewCore(CoreConfig{Rank: 0, WorldSize: 1})
	require.NoError(t, err)
	l := NewContrastive(core)

	// Orthonormal features matched to themselves: at high temperature the
	// positives dominate and the loss collapses toward zero.
	features := mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	out, err := l.Forward(context.Background(), features, features, 100)
	require.NoError(t, err)
	assert.InDelta(t, 0, out.Contrastive, 1e-6)
	assert.GreaterOrEqual(t, out.Contrastive, 0.0)
}

func TestContrastiveUninformativeFeatures(t *testing.T) {
	core, err := NewCore(CoreConfig{Rank: 0, WorldSize: 1})
	require.NoError(t, err)
	l := NewContrastive(core)

	// Identical rows make every pairing equally likely: loss is log(batch).
	a := mat.NewDense(3, 2, []float64{1, 0, 1, 0, 1, 0})
	b := mat.NewDense(3, 2, []float64{0, 1, 0, 1, 0, 1})
	out, err := l.Forward(context.Background(), a, b, 30)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), out.Contrastive, 1e-12)
}

func TestContrastiveSymmetricInModalityOrder(t *testing.T) {
	core, err := NewCore(CoreConfig{Rank: 0, WorldSize: 1})
	require.NoError(t, err)
	l := NewContrastive(core)

	a := unitRows(50, 5, 8)
	b := unitRows(51, 5, 8)
	ab, err := l.Forward(context.Background(), a, b, 12)
	require.NoError(t, err)
	ba, err := l.Forward(context.Background(), b, a, 12)
	require.NoError(t, err)
	assert.InDelta(t, ab.Contrastive, ba.Contrastive, 1e-12)
}

func TestContrastiveMultiWorkerMatchesSingle(t *testing.T) {
	const (
		worldSize = 2
		batch     = 3
		dim       = 6
		scale     = 8.0
	)
	localA := []*mat.Dense{unitRows(60, batch, dim), unitRows(61, batch, dim)}
	localB := []*mat.Dense{unitRows(70, batch, dim), unitRows(71, batch, dim)}

	cores := newWorldCores(t, worldSize, false, true)
	losses := make([]float64, worldSize)
	var eg errgroup.Group
	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		eg.Go(func() error {
			out, err := NewContrastive(cores[rank]).Forward(context.Background(), localA[rank], localB[rank], scale)
			if err != nil {
				return err
			}
			losses[rank] = out.Contrastive
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	single, err := NewCore(CoreConfig{Rank: 0, WorldSize: 1})
	require.NoError(t, err)
	want, err := NewContrastive(single).Forward(context.Background(), concatDense(localA), concatDense(localB), scale)
	require.NoError(t, err)

	for rank := 0; rank < worldSize; rank++ {
		assert.InDelta(t, want.Contrastive, losses[rank], 1e-9, "rank %d", rank)
	}
}

func TestContrastiveBatchSizeChangeWithCache(t *testing.T) {
	core, err := NewCore(CoreConfig{Rank: 0, WorldSize: 1, CacheLabels: true})
	require.NoError(t, err)
	l := NewContrastive(core)

	// A shrinking batch must rebuild the labels, not reuse the longer
	// cached vector.
	big := mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	out, err := l.Forward(context.Background(), big, big, 100)
	require.NoError(t, err)
	assert.InDelta(t, 0, out.Contrastive, 1e-6)

	small := mat.NewDense(2, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	})
	out, err = l.Forward(context.Background(), small, small, 100)
	require.NoError(t, err)
	assert.InDelta(t, 0, out.Contrastive, 1e-6)
}

func TestContrastiveOutputShape(t *testing.T) {
	core, err := NewCore(CoreConfig{Rank: 0, WorldSize: 1})
	require.NoError(t, err)

	out, err := NewContrastive(core).Forward(context.Background(), unitRows(80, 2, 3), unitRows(81, 2, 3), 1)
	require.NoError(t, err)

	named := out.Named()
	assert.Len(t, named, 1)
	assert.Contains(t, named, KeyContrastive)
	assert.Equal(t, out.Contrastive, out.Total())
}
