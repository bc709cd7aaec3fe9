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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

func TestDistillForwardContrastiveMatchesPlain(t *testing.T) {
	core, err := NewCore(CoreConfig{Rank: 0, WorldSize: 1})
	require.NoError(t, err)

	a := unitRows(100, 3, 5)
	b := unitRows(101, 3, 5)
	teacherA := unitRows(102, 3, 5)
	teacherB := unitRows(103, 3, 5)

	plain, err := NewContrastive(core).Forward(context.Background(), a, b, 10)
	require.NoError(t, err)

	out, err := NewDistillContrastive(core).Forward(context.Background(), a, b, 10, teacherA, teacherB, 10)
	require.NoError(t, err)

	// The contrastive term is untouched by the distillation term.
	assert.InDelta(t, plain.Contrastive, out.Contrastive, 1e-12)
	assert.Positive(t, out.Distill)

	named := out.Named()
	assert.Len(t, named, 2)
	assert.Contains(t, named, KeyDistill)
}

func TestDistillSelfTeacherMinimizesDistillTerm(t *testing.T) {
	core, err := NewCore(CoreConfig{Rank: 0, WorldSize: 1})
	require.NoError(t, err)
	l := NewDistillContrastive(core)

	a := unitRows(110, 4, 6)
	b := unitRows(111, 4, 6)

	// A student matching its teacher exactly pays only the teacher's own
	// entropy; any other student pays strictly more.
	self, err := l.Forward(context.Background(), a, b, 10, a, b, 10)
	require.NoError(t, err)

	otherA := unitRows(120, 4, 6)
	otherB := unitRows(121, 4, 6)
	other, err := l.Forward(context.Background(), otherA, otherB, 10, a, b, 10)
	require.NoError(t, err)

	assert.Greater(t, other.Distill, self.Distill)
}

func TestDistillMultiWorkerAgreesAcrossRanks(t *testing.T) {
	const (
		worldSize = 2
		batch     = 2
		dim       = 4
	)
	localA := []*mat.Dense{unitRows(130, batch, dim), unitRows(131, batch, dim)}
	localB := []*mat.Dense{unitRows(140, batch, dim), unitRows(141, batch, dim)}
	teachA := []*mat.Dense{unitRows(150, batch, dim), unitRows(151, batch, dim)}
	teachB := []*mat.Dense{unitRows(160, batch, dim), unitRows(161, batch, dim)}

	cores := newWorldCores(t, worldSize, false, false)
	outs := make([]Output, worldSize)
	var eg errgroup.Group
	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		eg.Go(func() error {
			out, err := NewDistillContrastive(cores[rank]).Forward(context.Background(),
				localA[rank], localB[rank], 10, teachA[rank], teachB[rank], 10)
			if err != nil {
				return err
			}
			outs[rank] = out
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	// Global mode: both ranks see the full matrices, so both terms agree.
	assert.InDelta(t, outs[0].Contrastive, outs[1].Contrastive, 1e-9)
	assert.InDelta(t, outs[0].Distill, outs[1].Distill, 1e-9)
}
