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

package shm

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/andy-bower/sfptpd/clock"
	"github.com/andy-bower/sfptpd/clockfeed"
	"github.com/andy-bower/sfptpd/config"
	"github.com/andy-bower/sfptpd/filter"
	"github.com/andy-bower/sfptpd/stats"
	"github.com/andy-bower/sfptpd/syncmodule"
)

// Instance is the per-configuration-instance state of the SHM module.
// It is owned by the module worker goroutine; the engine holds it only
// as an opaque handle.
type Instance struct {
	cfg *config.SHMInstance

	clock clock.Clock
	feed  *clockfeed.Subscription

	ctrlFlags     syncmodule.CtrlFlags
	freqAdjustMax float64

	state  syncmodule.State
	alarms syncmodule.Alarms

	lastEventMono     time.Time
	started           bool
	startedMono       time.Time
	pulseCheckExpired bool

	eventTimestamp time.Time
	seqNum         uint32
	pollFD         int

	notch   *filter.Notch
	outlier *filter.Peirce
	fir     *filter.FIR
	pid     *filter.PID

	convergence *stats.Convergence

	offsetFromMasterNS float64
	freqAdjustBase     float64
	freqAdjustPPB      float64
	servoActive        bool
	periodNS           float64
	synchronized       bool

	prevState  syncmodule.State
	prevAlarms syncmodule.Alarms

	stats           *stats.Collection
	consecutiveGood uint64

	clusteringScore     int
	prevClusteringScore int

	stepOccurred bool

	counters struct {
		clockSteps      uint64
		seqNumErrors    uint64
		badSignalErrors uint64
		outliers        uint64
	}

	test struct {
		bogusEvents bool
		bogusCycle  uint32
	}
}

// Name implements syncmodule.Instance
func (inst *Instance) Name() string { return inst.cfg.Name }

// stateText is the externally visible state name of an instance
func stateText(state syncmodule.State, alarms syncmodule.Alarms) string {
	if state == syncmodule.StateSlave {
		if alarms != 0 {
			return "shm-slave-alarm"
		}
		return "shm-slave"
	}
	if state == syncmodule.StateListening {
		return "shm-listening"
	}
	return "shm-faulty"
}

func (m *Module) stateMachineReset(inst *Instance) {
	inst.state = syncmodule.StateListening
	inst.prevState = syncmodule.StateListening
	inst.alarms = 0
	inst.prevAlarms = 0
	inst.consecutiveGood = 0
	inst.eventTimestamp = time.Time{}
	inst.seqNum = 0
	inst.periodNS = 0
	if inst.outlier != nil {
		inst.outlier.Reset()
	}
}

func (m *Module) servoReset(inst *Instance) {
	inst.fir.Reset()
	inst.pid.Reset()

	inst.freqAdjustBase = inst.clock.FrequencyCorrection()
	inst.freqAdjustPPB = inst.freqAdjustBase
	inst.offsetFromMasterNS = 0

	m.tod.status.OffsetFromMaster = 0
	inst.eventTimestamp = time.Time{}
	inst.periodNS = 0

	log.Debugf("shm %s: reset servo filters", inst.Name())
}

// stepClock steps the local reference clock backwards by the given
// offset, resets the servo and notifies the time-of-day module.
func (m *Module) stepClock(inst *Instance, offset time.Duration) {
	if err := inst.clock.AdjustTime(-offset); err != nil {
		log.Warningf("shm %s: failed to adjust offset of clock %s, error %v",
			inst.Name(), inst.clock.Name(), err)
	}

	// Set the clock frequency back to the last good correction
	if err := inst.clock.AdjustFrequency(inst.clock.FrequencyCorrection()); err != nil {
		log.Warningf("shm %s: failed to adjust frequency of clock %s, error %v",
			inst.Name(), inst.clock.Name(), err)
	}

	m.servoReset(inst)

	if m.tod.haveSource {
		if err := m.tod.source.Module.StepClock(m.tod.source.Handle, 0); err != nil {
			log.Warningf("shm %s: notifying time-of-day module of step: %v",
				inst.Name(), err)
		}
	}

	inst.stepOccurred = true
}

// servoUpdate combines the event timestamp with the time-of-day offset
// and either steps the clock or feeds the PID-based slew path.
func (m *Module) servoUpdate(inst *Instance, eventTS time.Time) {
	// The seconds part is the time-of-day offset rounded to the
	// nearest second; the nanosecond part comes from the event
	// timestamp, wrapped into [-0.5s, 0.5s).
	todNS := m.tod.status.OffsetFromMaster.Nanoseconds()
	sec := todNS / nsPerSec
	nsec := todNS % nsPerSec
	if nsec < 0 {
		sec--
		nsec += nsPerSec
	}
	if nsec >= nsPerSec/2 {
		sec++
	}
	evNsec := int64(eventTS.Nanosecond())
	if evNsec >= nsPerSec/2 {
		sec--
	}
	diffNS := float64(sec)*1e9 + float64(evNsec)

	// Compensate for cable and distribution delays
	diffNS -= inst.cfg.PropagationDelay

	log.Debugf("shm %s: offset = %0.3f", inst.Name(), diffNS)

	policy := m.general.ClockControl
	stepAllowed := policy == config.ClockCtrlSlewAndStep ||
		(policy == config.ClockCtrlStepAtStartup && !inst.servoActive) ||
		(policy == config.ClockCtrlStepForward && diffNS < 0)

	if stepAllowed && (diffNS <= -clockStepThresholdNS || diffNS >= clockStepThresholdNS) {
		if inst.ctrlFlags&syncmodule.CtrlClockCtrl != 0 {
			m.stepClock(inst, time.Duration(diffNS))
			inst.counters.clockSteps++
			inst.servoActive = true
		}
		return
	}

	mean := inst.fir.Update(diffNS)

	log.Debugf("shm %s: mean difference = %0.3f", inst.Name(), mean)

	inst.offsetFromMasterNS = mean

	// When not controlling the clock the frequency adjustment is the
	// saved correction; otherwise the PID output is applied on top.
	inst.freqAdjustPPB = inst.freqAdjustBase

	if inst.ctrlFlags&syncmodule.CtrlClockCtrl != 0 {
		inst.freqAdjustPPB += inst.pid.Update(mean)

		if inst.freqAdjustPPB > inst.freqAdjustMax {
			inst.freqAdjustPPB = inst.freqAdjustMax
		} else if inst.freqAdjustPPB < -inst.freqAdjustMax {
			inst.freqAdjustPPB = -inst.freqAdjustMax
		}

		if err := inst.clock.AdjustFrequency(inst.freqAdjustPPB); err != nil {
			log.Warningf("shm %s: failed to adjust clock %s, error %v",
				inst.Name(), inst.clock.Name(), err)
		}

		inst.servoActive = true
	}
}

// onNoEvent ages the no-signal alarm and eventually falls back to
// listening
func (m *Module) onNoEvent(inst *Instance) {
	switch inst.state {
	case syncmodule.StateListening:
		// Nothing to do until a first event arrives

	case syncmodule.StateSlave:
		interval := m.now().Sub(inst.lastEventMono)

		// Two intervals matter: after just over a second the
		// no-signal alarm is raised; after a longer period the
		// instance returns to listening.
		if interval >= eventTimeout {
			log.Errorf("shm %s: no event after %v. Changing to listening state.",
				inst.Name(), eventTimeout)
			m.stateMachineReset(inst)
		} else if interval >= alarmTimeout && !inst.alarms.Test(syncmodule.AlarmNoSignal) {
			log.Warningf("shm %s: failed to receive event for sequence number %d",
				inst.Name(), inst.seqNum+1)
			inst.alarms.Set(syncmodule.AlarmNoSignal)
		}

	case syncmodule.StateFaulty:
		// The event source seems to be working again
		m.stateMachineReset(inst)
	}
}

// onEventError handles an event-source failure
func (m *Module) onEventError(inst *Instance, err error) {
	switch inst.state {
	case syncmodule.StateListening, syncmodule.StateSlave:
		log.Errorf("shm %s: interface error, %v", inst.Name(), err)
		m.stateMachineReset(inst)
		inst.state = syncmodule.StateFaulty

	case syncmodule.StateFaulty:
		// Nothing to do here
	}
}

// onEvent processes one timed event
func (m *Module) onEvent(inst *Instance, seqNum uint32, ts time.Time) {
	switch inst.state {
	case syncmodule.StateFaulty, syncmodule.StateListening:
		inst.state = syncmodule.StateSlave
		inst.periodNS = 0

	case syncmodule.StateSlave:
		inst.alarms.Clear(syncmodule.AlarmNoSignal)

		// Check the sequence number incremented. Sources without a
		// sequence number concept report SeqNumNone.
		if seqNum != clock.SeqNumNone && seqNum != inst.seqNum+1 {
			log.Warningf("shm %s: sequence number discontinuity %d -> %d",
				inst.Name(), inst.seqNum, seqNum)
			inst.alarms.Set(syncmodule.AlarmSeqNumError)
			inst.counters.seqNumErrors++
		} else {
			inst.alarms.Clear(syncmodule.AlarmSeqNumError)
		}

		if inst.ctrlFlags&syncmodule.CtrlTimestampProcessing == 0 {
			break
		}

		// If there was a step since the last sample, wait for
		// another one before processing this one
		if inst.stepOccurred {
			inst.stepOccurred = false
			inst.eventTimestamp = time.Time{}
			break
		}

		if !inst.eventTimestamp.IsZero() {
			inst.periodNS = float64(ts.Sub(inst.eventTimestamp).Nanoseconds())

			// Apply a notch filter to detect and eliminate bad pulses
			if inst.notch.Update(inst.periodNS) != nil {
				log.Warningf("shm %s: bad signal - period = %f",
					inst.Name(), inst.periodNS)
				inst.alarms.Set(syncmodule.AlarmBadSignal)
				inst.counters.badSignalErrors++
				inst.consecutiveGood = 0
			} else {
				inst.consecutiveGood++
			}
		}

		// Only run the servo once enough consecutive good periods
		// have been seen to trust the events
		if inst.consecutiveGood >= requiredGoodPeriods {
			if inst.consecutiveGood == requiredGoodPeriods {
				log.Infof("shm %s: received first %d consecutive good events",
					inst.Name(), requiredGoodPeriods+1)
			}

			inst.alarms.Clear(syncmodule.AlarmBadSignal)

			outlier := false
			if inst.outlier != nil {
				if inst.outlier.Update(inst.periodNS) != nil {
					log.Debugf("shm %s: outlier detected - period %0.3f",
						inst.Name(), inst.periodNS)
					inst.counters.outliers++
					outlier = true
				}
			}

			if !outlier {
				m.servoUpdate(inst, ts)

				m.sendClusteringInput(inst)
				m.sendRTStats(inst, time.Now())

				inst.clusteringScore = m.engine.CalculateClusteringScore(
					inst.offsetFromMasterNS,
					inst.state == syncmodule.StateSlave)
			}
		}
	}

	// The sequence number and arrival time are recorded in all cases;
	// the timestamp itself only while timestamp processing is enabled.
	inst.seqNum = seqNum
	inst.lastEventMono = m.now()
	if inst.ctrlFlags&syncmodule.CtrlTimestampProcessing != 0 {
		inst.eventTimestamp = ts
	}
}

// updateConvergence advances the synchronized determination
func (m *Module) updateConvergence(inst *Instance) {
	if inst.state != syncmodule.StateSlave {
		inst.synchronized = false
		inst.convergence.Reset()
	} else if inst.alarms != 0 || inst.ctrlFlags&syncmodule.CtrlTimestampProcessing == 0 {
		// Alarms and disabled timestamp processing leave the slave
		// unsynchronized without resetting the measure; this is
		// usually a temporary situation.
		inst.synchronized = false
	} else {
		inst.synchronized = inst.convergence.Update(m.monoSeconds(), inst.offsetFromMasterNS)
	}
}

// bogusEvent synthesizes a test-mode event in place of a real one
func (inst *Instance) bogusEvent() (uint32, time.Time, error) {
	inst.test.bogusCycle++
	if inst.test.bogusCycle%4 != 0 {
		return clock.SeqNumNone, time.Time{}, clock.ErrNoEvent
	}
	seq := inst.seqNum + 1
	if inst.test.bogusCycle%16 == 0 {
		seq++ // inject an occasional discontinuity
	}
	return seq, time.Now(), nil
}
