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

package comm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BackendType identifies a communication backend.
type BackendType string

const (
	// BackendInProcess runs all ranks as goroutines of one process,
	// synchronized through a shared Hub. Gathered peer blocks share memory
	// with their producers, so gradient-aware gathering is supported.
	BackendInProcess BackendType = "inprocess"

	// BackendTCP connects worker processes over TCP with rank 0 acting as
	// the rendezvous and exchange hub. Gathered peer blocks are copies;
	// gradient-aware gathering is not supported.
	BackendTCP BackendType = "tcp"
)

// Backend constructs Collective handles for its communication strategy.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	// Type returns the backend type identifier.
	Type() BackendType

	// Name returns a human-readable name (e.g., "TCP hub").
	Name() string

	// Available returns true if this backend can be used in the current
	// environment.
	Available() bool

	// Priority returns the default priority (lower = higher priority).
	Priority() int

	// Connect joins the communication world described by cfg. It blocks
	// until the rendezvous completes or ctx is done.
	Connect(ctx context.Context, cfg WorldConfig) (Collective, error)
}

var (
	registry   = make(map[BackendType]Backend)
	registryMu sync.RWMutex
)

// RegisterBackend registers a backend. Called by backend implementations in
// init(). Thread-safe. Later registrations for the same type overwrite
// earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns the backend for the given type, if registered.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListAvailable returns all backends usable in the current environment,
// sorted by priority (lowest priority number first).
func ListAvailable() []Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	backends := make([]Backend, 0, len(registry))
	for _, b := range registry {
		if b.Available() {
			backends = append(backends, b)
		}
	}
	sort.Slice(backends, func(i, j int) bool {
		return backends[i].Priority() < backends[j].Priority()
	})
	return backends
}

// SelectBackend returns the backend for the requested type. A misconfigured
// or missing backend is a fatal configuration error: silently falling back
// to another strategy would change the loss semantics, so no fallback is
// attempted.
func SelectBackend(t BackendType) (Backend, error) {
	b, ok := GetBackend(t)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered (available: %s)",
			ErrBackendUnavailable, t, strings.Join(BackendTypeStrings(), ", "))
	}
	if !b.Available() {
		return nil, fmt.Errorf("%w: %s cannot run in this environment", ErrBackendUnavailable, b.Name())
	}
	return b, nil
}

// ParseBackendType parses a string into BackendType.
// Returns an error for unrecognized values.
func ParseBackendType(s string) (BackendType, error) {
	switch strings.ToLower(s) {
	case "inprocess", "local":
		return BackendInProcess, nil
	case "tcp":
		return BackendTCP, nil
	default:
		return "", fmt.Errorf("unknown backend type: %q (valid: %s)", s, strings.Join(BackendTypeStrings(), ", "))
	}
}

// BackendTypeStrings returns valid backend type strings for documentation
// and validation.
func BackendTypeStrings() []string {
	return []string{"inprocess", "tcp"}
}

// Connect selects the backend for t and joins the world described by cfg.
func Connect(ctx context.Context, t BackendType, cfg WorldConfig) (Collective, error) {
	b, err := SelectBackend(t)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return b.Connect(ctx, cfg)
}
