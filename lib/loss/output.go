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

// Output carries the terms of one forward pass. Each variant populates the
// contrastive term plus at most one auxiliary term; terms are never summed
// internally, so the caller controls how they compose into a training
// objective.
type Output struct {
	Contrastive float64
	Caption     float64
	Distill     float64

	hasCaption bool
	hasDistill bool
}

// Named output keys, shared by every variant.
const (
	KeyContrastive = "contrastive_loss"
	KeyCaption     = "caption_loss"
	KeyDistill     = "distill_loss"
)

// Named returns the populated terms as a name→value map.
func (o Output) Named() map[string]float64 {
	m := map[string]float64{KeyContrastive: o.Contrastive}
	if o.hasCaption {
		m[KeyCaption] = o.Caption
	}
	if o.hasDistill {
		m[KeyDistill] = o.Distill
	}
	return m
}

// Total returns the sum of the populated terms. Variants that weight their
// terms apply the weights before populating the Output, so Total is the
// conventional scalar objective.
func (o Output) Total() float64 {
	total := o.Contrastive
	if o.hasCaption {
		total += o.Caption
	}
	if o.hasDistill {
		total += o.Distill
	}
	return total
}
