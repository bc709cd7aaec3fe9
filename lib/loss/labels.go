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
	"go.uber.org/zap"
)

// Device identifies the compute device a label vector lives on (e.g. "cpu",
// "cuda:0"). It is an opaque cache key here; placement is the caller's
// concern.
type Device string

// DeviceCPU is the default device identity.
const DeviceCPU Device = "cpu"

// labelEntry caches a ground-truth label vector together with the logit
// count it was built for. Each device carries its own watermark, so a batch
// size change on one device never serves stale labels on another.
type labelEntry struct {
	numLogits int
	labels    []int
}

type labelCache struct {
	enabled bool
	entries map[Device]*labelEntry
	logger  *zap.Logger
}

func newLabelCache(enabled bool, logger *zap.Logger) *labelCache {
	return &labelCache{
		enabled: enabled,
		entries: make(map[Device]*labelEntry),
		logger:  logger,
	}
}

// get returns cached labels for (device, numLogits), or nil on miss.
// Accessed only from the owning process's single compute goroutine; no
// locking by contract.
func (c *labelCache) get(device Device, numLogits int) []int {
	if !c.enabled {
		return nil
	}
	e, ok := c.entries[device]
	if !ok || e.numLogits != numLogits {
		RecordLabelCacheMiss()
		return nil
	}
	RecordLabelCacheHit()
	c.logger.Debug("Label cache hit",
		zap.String("device", string(device)),
		zap.Int("num_logits", numLogits))
	return e.labels
}

func (c *labelCache) put(device Device, numLogits int, labels []int) {
	if !c.enabled {
		return
	}
	c.entries[device] = &labelEntry{numLogits: numLogits, labels: labels}
}
