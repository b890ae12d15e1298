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

package filter

import "math"

// PID is a proportional-integral-derivative controller with a clamped
// integral term. The derivative coefficient is zero in the default
// servo configuration.
type PID struct {
	kp, ki, kd float64
	interval   float64
	iTermMax   float64
	iTerm      float64
	pTerm      float64
	dTerm      float64
	lastError  float64
	haveLast   bool
}

// NewPID creates a PID controller with the given coefficients and
// nominal update interval in seconds
func NewPID(kp, ki, kd, interval float64) *PID {
	return &PID{kp: kp, ki: ki, kd: kd, interval: interval, iTermMax: math.Inf(1)}
}

// SetITermMax clamps the accumulated integral term to
// [-max, +max]
func (p *PID) SetITermMax(max float64) {
	p.iTermMax = max
	p.clampITerm()
}

func (p *PID) clampITerm() {
	if p.iTerm > p.iTermMax {
		p.iTerm = p.iTermMax
	} else if p.iTerm < -p.iTermMax {
		p.iTerm = -p.iTermMax
	}
}

// Update integrates an error sample and returns the control output
// using the nominal update interval
func (p *PID) Update(err float64) float64 {
	return p.UpdateInterval(err, p.interval)
}

// UpdateInterval integrates an error sample over the given elapsed
// interval in seconds
func (p *PID) UpdateInterval(err, elapsed float64) float64 {
	p.pTerm = p.kp * err
	p.iTerm += p.ki * err * elapsed
	p.clampITerm()
	p.dTerm = 0
	if p.kd != 0 && p.haveLast && elapsed > 0 {
		p.dTerm = p.kd * (err - p.lastError) / elapsed
	}
	p.lastError = err
	p.haveLast = true
	return p.pTerm + p.iTerm + p.dTerm
}

// Adjust re-tunes the controller coefficients. NaN keeps the current
// value for that coefficient; reset restarts the controller state.
func (p *PID) Adjust(kp, ki, kd float64, reset bool) {
	if !math.IsNaN(kp) {
		p.kp = kp
	}
	if !math.IsNaN(ki) {
		p.ki = ki
	}
	if !math.IsNaN(kd) {
		p.kd = kd
	}
	if reset {
		p.Reset()
	}
}

// Reset clears the accumulated state
func (p *PID) Reset() {
	p.iTerm = 0
	p.pTerm = 0
	p.dTerm = 0
	p.lastError = 0
	p.haveLast = false
}

// PTerm returns the proportional term of the last update
func (p *PID) PTerm() float64 { return p.pTerm }

// ITerm returns the accumulated integral term
func (p *PID) ITerm() float64 { return p.iTerm }
