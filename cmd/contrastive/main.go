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

// Command contrastive exercises the contrastive-loss stack.
//
// Usage:
//
//	contrastive bench                        # single worker
//	contrastive bench --world-size 4         # in-process four-worker world
//	contrastive bench --variant distill
package main

import "github.com/antflydb/contrastive/cmd/contrastive/cmd"

// https://goreleaser.com/cookbooks/using-main.version/
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
