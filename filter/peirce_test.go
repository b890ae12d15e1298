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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeirceRejectsSpike(t *testing.T) {
	p := NewPeirce(20, 0.0)

	// stable pulse periods around 1s with a little jitter
	base := 1.0e9
	jitter := []float64{0, 20, -20, 15, -15, 20, -20, 15, -15, 20}
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Update(base+jitter[i%len(jitter)]))
	}

	// a sample far outside the learned distribution is an outlier
	require.ErrorIs(t, p.Update(base+0.09e9), ErrOutlier)

	// the stream itself keeps passing
	require.NoError(t, p.Update(base+25))
}

func TestPeirceWarmup(t *testing.T) {
	p := NewPeirce(10, 1.0)

	// everything passes until the minimum window is buffered
	for i := 0; i < PeirceMinSamples; i++ {
		require.NoError(t, p.Update(float64(i)*1e9))
	}
}

func TestPeirceAdaption(t *testing.T) {
	// adaption 1.0 feeds outliers back unchanged, so a repeated
	// excursion is eventually accepted
	p := NewPeirce(5, 1.0)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Update(1.0e9+float64(i)))
	}
	require.Error(t, p.Update(1.1e9))

	accepted := false
	for i := 0; i < 10 && !accepted; i++ {
		accepted = p.Update(1.1e9) == nil
	}
	require.True(t, accepted)
}

func TestPeirceReset(t *testing.T) {
	p := NewPeirce(5, 0.0)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Update(1.0e9))
	}
	p.Reset()
	// post-reset the window is empty again
	require.NoError(t, p.Update(5.0e9))
}

func TestPeirceDeviationTable(t *testing.T) {
	// spot-check Gould's algorithm against published values of
	// Peirce's criterion for one doubtful observation
	cases := []struct {
		n int
		r float64
	}{
		{5, 1.509},
		{10, 1.878},
		{20, 2.209},
		{60, 2.663},
	}
	for _, tc := range cases {
		require.InDelta(t, tc.r, peirceDeviation(tc.n), 0.02, "n=%d", tc.n)
	}
}
