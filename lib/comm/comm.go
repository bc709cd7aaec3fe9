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

// Package comm provides collective communication between the workers of a
// data-parallel training job. Each worker holds one Collective handle; the
// all-gather operations block until every rank in the world has entered the
// same operation, and their output is always ordered by ascending rank.
package comm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrBackendUnavailable is returned when the requested communication
	// backend is not registered or cannot run in this environment.
	ErrBackendUnavailable = errors.New("comm: backend unavailable")

	// ErrRaggedBatch is returned when workers enter an all-gather with
	// differing tensor shapes. Every rank must contribute the same number
	// of rows and columns per step.
	ErrRaggedBatch = errors.New("comm: ragged batch across ranks")

	// ErrGradGatherUnsupported is returned by backends whose gathered peer
	// blocks cannot participate in the caller's gradient computation.
	ErrGradGatherUnsupported = errors.New("comm: gradient-aware all-gather not supported by backend")

	// ErrWorldClosed is returned for operations on a closed collective.
	ErrWorldClosed = errors.New("comm: collective closed")
)

// Collective is one worker's handle on the communication world.
//
// All methods except Rank, WorldSize and Close block until every rank has
// entered the corresponding call. There are no timeouts or internal retries:
// a hung peer stalls the world until the context is cancelled, and any
// communication failure propagates to every rank's call stack.
type Collective interface {
	// Rank returns this worker's rank in [0, WorldSize).
	Rank() int

	// WorldSize returns the number of workers in the world.
	WorldSize() int

	// AllGatherGrad gathers every rank's matrix into one rank-ordered
	// concatenation whose peer blocks remain part of the caller's gradient
	// bookkeeping. Backends that cannot provide this return
	// ErrGradGatherUnsupported.
	AllGatherGrad(ctx context.Context, local *mat.Dense) (*mat.Dense, error)

	// AllGather gathers every rank's matrix into the preallocated dst
	// buffers, dst[r] receiving rank r's block. The dst blocks carry no
	// gradient relationship to any rank's inputs. len(dst) must equal
	// WorldSize, and each buffer must match the local matrix's shape.
	AllGather(ctx context.Context, dst []*mat.Dense, local *mat.Dense) error

	// Close detaches this worker from the world.
	Close() error
}

// WorldConfig describes how a worker joins a communication world.
type WorldConfig struct {
	// Rank of this worker, in [0, WorldSize).
	Rank int

	// WorldSize is the total number of workers.
	WorldSize int

	// Addr is the rendezvous address of rank 0. Used by the TCP backend.
	Addr string

	// Hub attaches the worker to an in-process world. Used by the
	// in-process backend.
	Hub *Hub

	// DialTimeout bounds the rendezvous phase. Zero means no bound beyond
	// the Connect context.
	DialTimeout time.Duration

	// Logger for connection and gather events. Nil means no logging.
	Logger *zap.Logger
}

func (c WorldConfig) validate() error {
	if c.WorldSize < 1 {
		return errors.New("comm: world size must be at least 1")
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return errors.New("comm: rank out of range for world size")
	}
	return nil
}

func (c WorldConfig) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
