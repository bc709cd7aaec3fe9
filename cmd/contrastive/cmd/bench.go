// Copyright 2026 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/antflydb/contrastive"
	"github.com/antflydb/contrastive/lib/comm"
	"github.com/antflydb/contrastive/lib/loss"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run forward passes over an in-process worker world",
	Long: `Bench spins up an in-process world of data-parallel workers, generates
random unit-normalized feature batches, and runs forward passes of the
selected loss variant.

Examples:
  # Single worker, plain contrastive loss
  contrastive bench

  # Four workers, local loss with cached labels
  contrastive bench --world-size 4 --local-loss --cache-labels

  # Distillation variant
  contrastive bench --variant distill --world-size 2`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().Int("world-size", 1, "number of in-process workers")
	benchCmd.Flags().Int("batch-size", 8, "local batch size per worker")
	benchCmd.Flags().Int("dim", 64, "embedding dimension")
	benchCmd.Flags().Int("steps", 10, "forward passes to run")
	benchCmd.Flags().String("variant", "contrastive", "loss variant (contrastive, caption, distill)")
	benchCmd.Flags().Bool("local-loss", false, "compute local-rows x global-columns logits")
	benchCmd.Flags().Bool("gather-with-grad", false, "use gradient-aware feature gathering")
	benchCmd.Flags().Bool("cache-labels", false, "cache ground-truth labels")
	benchCmd.Flags().Bool("named", false, "report losses as a named map")
	benchCmd.Flags().Int64("seed", 42, "random seed")
	benchCmd.Flags().Float64("logit-scale", 100, "similarity temperature")

	for _, key := range []string{
		"world-size", "batch-size", "dim", "steps", "variant",
		"local-loss", "gather-with-grad", "cache-labels", "named", "seed", "logit-scale",
	} {
		mustBindPFlag("bench."+key, benchCmd.Flags().Lookup(key))
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	worldSize := viper.GetInt("bench.world-size")
	batchSize := viper.GetInt("bench.batch-size")
	dim := viper.GetInt("bench.dim")
	steps := viper.GetInt("bench.steps")
	variant := viper.GetString("bench.variant")
	seed := viper.GetInt64("bench.seed")
	scale := viper.GetFloat64("bench.logit-scale")

	var hub *comm.Hub
	if worldSize > 1 {
		hub, err = comm.NewHub(worldSize)
		if err != nil {
			return err
		}
	}

	logger.Info("Starting bench",
		zap.Int("world_size", worldSize),
		zap.Int("batch_size", batchSize),
		zap.Int("dim", dim),
		zap.String("variant", variant))

	outputs := make([]loss.Output, worldSize)
	nodes := make([]*contrastive.Node, worldSize)

	g, ctx := errgroup.WithContext(cmd.Context())
	for rank := 0; rank < worldSize; rank++ {
		rank := rank
		g.Go(func() error {
			node, err := contrastive.New(ctx, contrastive.Config{
				Backend:        string(comm.BackendInProcess),
				Hub:            hub,
				Rank:           rank,
				WorldSize:      worldSize,
				LocalLoss:      viper.GetBool("bench.local-loss"),
				GatherWithGrad: viper.GetBool("bench.gather-with-grad"),
				CacheLabels:    viper.GetBool("bench.cache-labels"),
				NamedOutputs:   viper.GetBool("bench.named"),
				Logger:         logger,
			})
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			defer func() {
				_ = node.Close()
			}()
			nodes[rank] = node

			rng := rand.New(rand.NewSource(seed + int64(rank)))
			out, err := runWorker(ctx, node, rng, variant, steps, batchSize, dim, scale)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			outputs[rank] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for rank, out := range outputs {
		rendered := nodes[rank].Report(out)
		if m, ok := rendered.(map[string]float64); ok {
			data, err := sonic.Marshal(m)
			if err != nil {
				return err
			}
			fmt.Printf("rank %d: %s\n", rank, data)
			continue
		}
		fmt.Printf("rank %d: %v\n", rank, rendered)
	}
	return nil
}

func runWorker(
	ctx context.Context,
	node *contrastive.Node,
	rng *rand.Rand,
	variant string,
	steps, batchSize, dim int,
	scale float64,
) (loss.Output, error) {
	var out loss.Output
	var err error
	for step := 0; step < steps; step++ {
		featuresA := randUnitRows(rng, batchSize, dim)
		featuresB := randUnitRows(rng, batchSize, dim)

		switch variant {
		case "contrastive":
			out, err = node.Contrastive().Forward(ctx, featuresA, featuresB, scale)
		case "caption":
			const vocab, seqLen = 64, 8
			tokenLogits, tokenLabels := randCaptions(rng, batchSize, seqLen, vocab)
			out, err = node.CaptionContrastive(loss.CaptionConfig{
				ContrastiveWeight: 1,
				CaptionWeight:     2,
				PadID:             0,
			}).Forward(ctx, featuresA, featuresB, tokenLogits, tokenLabels, scale)
		case "distill":
			teacherA := randUnitRows(rng, batchSize, dim)
			teacherB := randUnitRows(rng, batchSize, dim)
			out, err = node.DistillContrastive().Forward(ctx, featuresA, featuresB, scale, teacherA, teacherB, scale)
		default:
			return loss.Output{}, fmt.Errorf("unknown variant %q (valid: contrastive, caption, distill)", variant)
		}
		if err != nil {
			return loss.Output{}, err
		}
	}
	return out, nil
}

// randUnitRows generates a batch of L2-normalized feature rows.
func randUnitRows(rng *rand.Rand, rows, dim int) *mat.Dense {
	m := mat.NewDense(rows, dim, nil)
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		norm := floats.Norm(row, 2)
		if norm == 0 {
			row[0] = 1
			continue
		}
		for j := range row {
			row[j] /= norm
		}
	}
	return m
}

// randCaptions generates random decoder logits and targets, padding the
// tail of every sequence.
func randCaptions(rng *rand.Rand, batchSize, seqLen, vocab int) ([]*mat.Dense, [][]int) {
	logits := make([]*mat.Dense, batchSize)
	labels := make([][]int, batchSize)
	for i := range logits {
		m := mat.NewDense(seqLen, vocab, nil)
		for t := 0; t < seqLen; t++ {
			row := m.RawRowView(t)
			for j := range row {
				row[j] = rng.NormFloat64()
			}
		}
		logits[i] = m

		l := make([]int, seqLen)
		content := 1 + rng.Intn(seqLen)
		for t := 0; t < content; t++ {
			l[t] = 1 + rng.Intn(vocab-1)
		}
		labels[i] = l
	}
	return logits, labels
}
