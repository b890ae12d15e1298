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
	"strings"
	"time"

	"github.com/andy-bower/sfptpd/clock"
)

// State is the state of a sync module instance
type State uint8

// All the states a sync module instance can be in
const (
	StateListening State = iota
	StateSlave
	StateMaster
	StatePassive
	StateDisabled
	StateFaulty
	StateSelection
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateSlave:
		return "slave"
	case StateMaster:
		return "master"
	case StatePassive:
		return "passive"
	case StateDisabled:
		return "disabled"
	case StateFaulty:
		return "faulty"
	case StateSelection:
		return "selection"
	}
	return "unknown"
}

// Alarms is a bitset of sync module alarms
type Alarms uint32

// Alarm bits
const (
	AlarmNoSignal Alarms = 1 << iota
	AlarmSeqNumError
	AlarmBadSignal
	AlarmNoTimeOfDay
)

// Set sets the given alarm bits
func (a *Alarms) Set(bits Alarms) { *a |= bits }

// Clear clears the given alarm bits
func (a *Alarms) Clear(bits Alarms) { *a &^= bits }

// Test reports whether any of the given alarm bits are set
func (a Alarms) Test(bits Alarms) bool { return a&bits != 0 }

func (a Alarms) String() string {
	names := []struct {
		bit  Alarms
		name string
	}{
		{AlarmNoSignal, "no-signal"},
		{AlarmSeqNumError, "seq-num-error"},
		{AlarmBadSignal, "bad-signal"},
		{AlarmNoTimeOfDay, "no-time-of-day"},
	}
	var set []string
	for _, n := range names {
		if a.Test(n.bit) {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, " ")
}

// CtrlFlags is a bitset of sync module control flags
type CtrlFlags uint32

// Control flag bits
const (
	CtrlSelected CtrlFlags = 1 << iota
	CtrlClockCtrl
	CtrlTimestampProcessing
	CtrlClusteringDeterminant
)

// CtrlFlagsDefault is the initial control flag state of every instance:
// de-selected, clock control disabled, timestamp processing enabled.
const CtrlFlagsDefault = CtrlTimestampProcessing

// CtrlFlagsAll covers every defined control flag
const CtrlFlagsAll = CtrlSelected | CtrlClockCtrl | CtrlTimestampProcessing | CtrlClusteringDeterminant

func (f CtrlFlags) String() string {
	names := []struct {
		bit  CtrlFlags
		name string
	}{
		{CtrlSelected, "selected"},
		{CtrlClockCtrl, "clock-ctrl"},
		{CtrlTimestampProcessing, "timestamp-processing"},
		{CtrlClusteringDeterminant, "clustering-determinant"},
	}
	var set []string
	for _, n := range names {
		if f&n.bit != 0 {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, " ")
}

// ClockClass describes the master clock class advertised by a source
type ClockClass uint8

// Master clock classes
const (
	ClockClassLocked ClockClass = iota
	ClockClassHoldover
	ClockClassFreerunning
)

// TimeSource describes where the master derives its time from
type TimeSource uint8

// Master time sources
const (
	TimeSourceAtomic TimeSource = iota
	TimeSourceGPS
	TimeSourcePTP
	TimeSourceNTP
	TimeSourceOscillator
)

// MasterInfo describes the remote master a slave instance follows
type MasterInfo struct {
	RemoteClock   bool
	ClockClass    ClockClass
	TimeSource    TimeSource
	Accuracy      float64
	TimeTraceable bool
	FreqTraceable bool
	StepsRemoved  uint
}

// FreerunningMaster is the master info reported outside the slave state
func FreerunningMaster() MasterInfo {
	return MasterInfo{
		RemoteClock: false,
		ClockClass:  ClockClassFreerunning,
		TimeSource:  TimeSourceOscillator,
		Accuracy:    math.Inf(1),
	}
}

// Status is the full status record a sync module reports for one instance
type Status struct {
	State            State
	Alarms           Alarms
	Clock            clock.Clock
	LocalAccuracy    float64
	Master           MasterInfo
	OffsetFromMaster time.Duration
	ClusteringScore  int
	UserPriority     uint
}

// Module is the engine-facing surface of a sync module. Instances are
// opaque handles returned at registration time.
type Module interface {
	// GetStatus returns the current status of the given instance
	GetStatus(handle Instance) (Status, error)

	// StepClock steps the instance's clock by the given offset and
	// resets its servo
	StepClock(handle Instance, offset time.Duration) error
}

// Instance is an opaque handle to one configured sync instance
type Instance interface {
	Name() string
}

// InstanceInfo identifies one instance of a sync module to the engine
type InstanceInfo struct {
	Module Module
	Handle Instance
	Name   string
}
