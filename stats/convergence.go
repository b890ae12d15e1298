/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import "math"

// Convergence defaults: the offset must stay within ConvergenceMaxOffsetDefault
// nanoseconds for at least ConvergenceMinPeriodDefault seconds.
const (
	ConvergenceMinPeriodDefault = 60.0
	ConvergenceMaxOffsetDefault = 1000.0
)

// Convergence measures whether a clock offset has remained within a
// threshold continuously for a minimum period.
type Convergence struct {
	maxOffset float64
	minPeriod float64
	start     float64
	haveStart bool
}

// NewConvergence creates a convergence measure with the default
// threshold and period
func NewConvergence() *Convergence {
	return &Convergence{
		maxOffset: ConvergenceMaxOffsetDefault,
		minPeriod: ConvergenceMinPeriodDefault,
	}
}

// SetMaxOffset overrides the offset threshold in nanoseconds
func (c *Convergence) SetMaxOffset(maxOffset float64) { c.maxOffset = maxOffset }

// SetMinPeriod overrides the minimum in-threshold period in seconds
func (c *Convergence) SetMinPeriod(minPeriod float64) { c.minPeriod = minPeriod }

// Update records an offset observation at monotonic time now (seconds)
// and reports whether the offset has stayed within the threshold for
// at least the minimum period.
func (c *Convergence) Update(now, offset float64) bool {
	if math.IsNaN(offset) || math.Abs(offset) > c.maxOffset {
		c.haveStart = false
		return false
	}
	if !c.haveStart {
		c.start = now
		c.haveStart = true
	}
	return now-c.start >= c.minPeriod
}

// Reset restarts the measurement window
func (c *Convergence) Reset() {
	c.haveStart = false
}
