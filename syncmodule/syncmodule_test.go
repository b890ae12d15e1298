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

package syncmodule

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlarms(t *testing.T) {
	var a Alarms
	require.Equal(t, "none", a.String())

	a.Set(AlarmNoSignal | AlarmSeqNumError)
	require.True(t, a.Test(AlarmNoSignal))
	require.True(t, a.Test(AlarmSeqNumError))
	require.False(t, a.Test(AlarmBadSignal))
	require.Equal(t, "no-signal seq-num-error", a.String())

	a.Clear(AlarmNoSignal)
	require.False(t, a.Test(AlarmNoSignal))
	require.Equal(t, "seq-num-error", a.String())
}

func TestCtrlFlagsDefault(t *testing.T) {
	require.Equal(t, CtrlTimestampProcessing, CtrlFlagsDefault)
	require.Equal(t, "timestamp-processing", CtrlFlagsDefault.String())
	require.Equal(t, "none", CtrlFlags(0).String())
}

func TestStateText(t *testing.T) {
	require.Equal(t, "listening", StateListening.String())
	require.Equal(t, "slave", StateSlave.String())
	require.Equal(t, "faulty", StateFaulty.String())
	require.Equal(t, "selection", StateSelection.String())
}

func TestFreerunningMaster(t *testing.T) {
	m := FreerunningMaster()
	require.False(t, m.RemoteClock)
	require.Equal(t, ClockClassFreerunning, m.ClockClass)
	require.Equal(t, TimeSourceOscillator, m.TimeSource)
	require.True(t, math.IsInf(m.Accuracy, 1))
}
