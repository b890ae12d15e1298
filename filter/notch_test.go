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

func TestNotchBand(t *testing.T) {
	n := NewNotch(1.0e9, 1.0e8)

	require.NoError(t, n.Update(1.0e9))
	require.NoError(t, n.Update(0.95e9))
	require.NoError(t, n.Update(1.05e9))

	// exact edges are accepted, one ns beyond is rejected
	require.NoError(t, n.Update(0.9e9))
	require.NoError(t, n.Update(1.1e9))
	require.ErrorIs(t, n.Update(0.9e9-1), ErrBadSample)
	require.ErrorIs(t, n.Update(1.1e9+1), ErrBadSample)
}

func TestFIRMean(t *testing.T) {
	f := NewFIR(4)

	require.InDelta(t, 10.0, f.Update(10), 1e-9)
	require.InDelta(t, 15.0, f.Update(20), 1e-9)
	require.InDelta(t, 20.0, f.Update(30), 1e-9)
	require.InDelta(t, 25.0, f.Update(40), 1e-9)
	// the window is full, the oldest sample falls out
	require.InDelta(t, 35.0, f.Update(50), 1e-9)

	f.Reset()
	require.Equal(t, 0, f.Len())
	require.InDelta(t, 7.0, f.Update(7), 1e-9)
}

func TestFIRPassthrough(t *testing.T) {
	f := NewFIR(1)
	require.InDelta(t, 42.0, f.Update(42), 1e-9)
	require.InDelta(t, -13.0, f.Update(-13), 1e-9)
}

func TestFIRClampsDepth(t *testing.T) {
	f := NewFIR(0)
	require.InDelta(t, 5.0, f.Update(5), 1e-9)
	require.InDelta(t, 9.0, f.Update(9), 1e-9)

	g := NewFIR(FIRMaxTaps + 1)
	g.Update(1)
	require.Equal(t, 1, g.Len())
}
