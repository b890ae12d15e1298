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

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPIDProportionalIntegral(t *testing.T) {
	p := NewPID(0.5, 0.1, 0.0, 1.0)

	out := p.Update(100)
	require.InDelta(t, 50.0+10.0, out, 1e-9)
	require.InDelta(t, 50.0, p.PTerm(), 1e-9)
	require.InDelta(t, 10.0, p.ITerm(), 1e-9)

	// the integral term accumulates
	out = p.Update(100)
	require.InDelta(t, 50.0+20.0, out, 1e-9)
}

func TestPIDIntegralClamp(t *testing.T) {
	p := NewPID(0.0, 1.0, 0.0, 1.0)
	p.SetITermMax(25)

	for i := 0; i < 100; i++ {
		p.Update(10)
	}
	require.InDelta(t, 25.0, p.ITerm(), 1e-9)

	for i := 0; i < 200; i++ {
		p.Update(-10)
	}
	require.InDelta(t, -25.0, p.ITerm(), 1e-9)
}

func TestPIDDerivative(t *testing.T) {
	p := NewPID(0.0, 0.0, 2.0, 1.0)

	// no derivative on the first sample
	require.InDelta(t, 0.0, p.Update(10), 1e-9)
	require.InDelta(t, 2.0*(25-10), p.Update(25), 1e-9)
}

func TestPIDAdjust(t *testing.T) {
	p := NewPID(0.5, 0.1, 0.0, 1.0)
	p.Update(100)

	// NaN keeps a coefficient, reset clears accumulated state
	p.Adjust(0.25, math.NaN(), math.NaN(), true)
	require.InDelta(t, 0.0, p.ITerm(), 1e-9)

	out := p.Update(100)
	require.InDelta(t, 25.0+10.0, out, 1e-9)
}

func TestPIDReset(t *testing.T) {
	p := NewPID(0.1, 0.5, 0.0, 1.0)
	p.Update(100)
	p.Reset()
	require.InDelta(t, 0.0, p.ITerm(), 1e-9)
	require.InDelta(t, 0.0, p.PTerm(), 1e-9)
}
