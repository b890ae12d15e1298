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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/andy-bower/sfptpd/stats"
	"github.com/andy-bower/sfptpd/syncmodule"
)

// localAccuracyNS is the accuracy contribution of the SHM delivery
// mechanism itself
const localAccuracyNS = 50.0

// Per-period statistics series
const (
	statOffset       = "offset-from-master"
	statPeriod       = "shm-period"
	statFreqAdj      = "freq-adjustment"
	statSynchronized = "synchronized"
	statClockSteps   = "clock-steps"
	statSeqNumErrors = "sequence-number-errors"
	statNoSignal     = "no-shm-signal-errors"
	statTimeOfDay    = "time-of-day-errors"
	statBadSignal    = "bad-shm-signal-errors"
	statOutliers     = "outliers-rejected"
)

var statsDefinitions = []stats.Definition{
	{Key: statOffset, Type: stats.TypeRange, Unit: "ns", Decimals: 3},
	{Key: statPeriod, Type: stats.TypeRange, Unit: "ns"},
	{Key: statFreqAdj, Type: stats.TypeRange, Unit: "ppb", Decimals: 3},
	{Key: statSynchronized, Type: stats.TypeCount},
	{Key: statClockSteps, Type: stats.TypeCount},
	{Key: statSeqNumErrors, Type: stats.TypeCount},
	{Key: statNoSignal, Type: stats.TypeCount},
	{Key: statTimeOfDay, Type: stats.TypeCount},
	{Key: statBadSignal, Type: stats.TypeCount},
	{Key: statOutliers, Type: stats.TypeCount},
}

// buildStatus populates a full status record for an instance. The
// offset and master metadata are only meaningful in the slave state.
func (m *Module) buildStatus(inst *Instance) syncmodule.Status {
	status := syncmodule.Status{
		State:           inst.state,
		Alarms:          inst.alarms,
		Clock:           inst.clock,
		LocalAccuracy:   localAccuracyNS,
		ClusteringScore: inst.clusteringScore,
		UserPriority:    inst.cfg.Priority,
	}

	if inst.state == syncmodule.StateSlave {
		status.OffsetFromMaster = time.Duration(inst.offsetFromMasterNS)
		status.Master = syncmodule.MasterInfo{
			RemoteClock:   true,
			ClockClass:    inst.cfg.MasterClockClass,
			TimeSource:    inst.cfg.MasterTimeSource,
			Accuracy:      inst.cfg.MasterAccuracy,
			TimeTraceable: inst.cfg.MasterTimeTraceable,
			FreqTraceable: inst.cfg.MasterFreqTraceable,
			StepsRemoved:  inst.cfg.StepsRemoved,
		}
	} else {
		status.Master = syncmodule.FreerunningMaster()
	}

	return status
}

func (m *Module) sendRTStats(inst *Instance, t time.Time) {
	m.engine.PostRTStats(&stats.RTRecord{
		Time:         t,
		Instance:     inst.Name(),
		Module:       "shm",
		Clock:        inst.clock.Name(),
		Selected:     inst.ctrlFlags&syncmodule.CtrlSelected != 0,
		Synchronized: inst.synchronized,
		Alarms:       inst.alarms.String(),
		OffsetNS:     inst.offsetFromMasterNS,
		FreqAdjPPB:   inst.freqAdjustPPB,
		PTerm:        inst.pid.PTerm(),
		ITerm:        inst.pid.ITerm(),
	})
}

func (m *Module) sendClusteringInput(inst *Instance) {
	if inst.ctrlFlags&syncmodule.CtrlClusteringDeterminant == 0 {
		return
	}
	offset := inst.offsetFromMasterNS
	m.engine.ClusteringInput(inst.Name(), inst.clock, offset,
		offset != 0 && inst.state == syncmodule.StateSlave)
}

// updateStats folds the current instance state into the per-period
// statistics collection
func (m *Module) updateStats(inst *Instance) {
	now := time.Now()
	slave := inst.state == syncmodule.StateSlave
	c := inst.stats

	c.UpdateRange(statOffset, inst.offsetFromMasterNS, now, slave)
	c.UpdateRange(statFreqAdj, inst.freqAdjustPPB, now, slave)
	if inst.periodNS > 0 {
		c.UpdateRange(statPeriod, inst.periodNS, now, slave)
	}

	if inst.synchronized {
		c.UpdateCount(statSynchronized, 1)
	}

	c.UpdateCount(statClockSteps, inst.counters.clockSteps)
	inst.counters.clockSteps = 0

	// The no-signal and time-of-day series count recoveries: a set
	// alarm that has just cleared
	if inst.prevAlarms.Test(syncmodule.AlarmNoSignal) &&
		!inst.alarms.Test(syncmodule.AlarmNoSignal) {
		c.UpdateCount(statNoSignal, 1)
	}
	if inst.prevAlarms.Test(syncmodule.AlarmNoTimeOfDay) &&
		!inst.alarms.Test(syncmodule.AlarmNoTimeOfDay) {
		c.UpdateCount(statTimeOfDay, 1)
	}

	c.UpdateCount(statSeqNumErrors, inst.counters.seqNumErrors)
	inst.counters.seqNumErrors = 0

	c.UpdateCount(statBadSignal, inst.counters.badSignalErrors)
	inst.counters.badSignalErrors = 0

	c.UpdateCount(statOutliers, inst.counters.outliers)
	inst.counters.outliers = 0
}

func (m *Module) onStatsEndPeriod(t time.Time) {
	for _, inst := range m.instances {
		inst.stats.EndPeriod(t)
		if err := inst.stats.Dump(m.general.StatsPath, inst.Name()); err != nil {
			log.Errorf("shm %s: writing statistics: %v", inst.Name(), err)
		}
	}
}

// onSaveState writes the per-instance state files and, for
// synchronized instances controlling their clock, persists the current
// frequency correction.
func (m *Module) onSaveState() {
	for _, inst := range m.instances {
		var body string
		if inst.state == syncmodule.StateSlave {
			body = fmt.Sprintf("instance: %s\n"+
				"clock-name: %s\n"+
				"clock-id: %s\n"+
				"state: %s\n"+
				"alarms: %s\n"+
				"control-flags: %s\n"+
				"interface: %s\n"+
				"offset-from-master: %.3f\n"+
				"freq-adjustment-ppb: %.3f\n"+
				"in-sync: %v\n"+
				"clustering-score: %d\n",
				inst.Name(),
				inst.clock.Name(),
				inst.clock.HardwareID(),
				stateText(inst.state, inst.alarms),
				inst.alarms, inst.ctrlFlags,
				inst.cfg.Interface,
				inst.offsetFromMasterNS,
				inst.freqAdjustPPB,
				inst.synchronized,
				inst.clusteringScore)
		} else {
			body = fmt.Sprintf("instance: %s\n"+
				"clock-name: %s\n"+
				"clock-id: %s\n"+
				"state: %s\n"+
				"alarms: %s\n"+
				"control-flags: %s\n"+
				"interface: %s\n"+
				"freq-adjustment-ppb: %.3f\n",
				inst.Name(),
				inst.clock.Name(),
				inst.clock.HardwareID(),
				stateText(inst.state, inst.alarms),
				inst.alarms, inst.ctrlFlags,
				inst.cfg.Interface,
				inst.freqAdjustPPB)
		}

		if err := m.writeStateFile(inst, body); err != nil {
			log.Errorf("shm %s: writing state file: %v", inst.Name(), err)
		}

		if inst.synchronized && inst.ctrlFlags&syncmodule.CtrlClockCtrl != 0 {
			if err := inst.clock.SaveFrequencyCorrection(inst.freqAdjustPPB); err != nil {
				log.Warningf("shm %s: saving frequency correction: %v", inst.Name(), err)
			}
		}
	}
}

func (m *Module) writeStateFile(inst *Instance, body string) error {
	dir := m.general.StatePath
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("state-%s", inst.Name()))
	return os.WriteFile(path, []byte(body), 0o644)
}

// writeTopology writes the line-oriented topology fragment used by
// operator tooling
func (m *Module) writeTopology(inst *Instance, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "====================\nstate: %s\n",
		stateText(inst.state, inst.alarms)); err != nil {
		return err
	}

	if inst.alarms != 0 {
		if _, err := fmt.Fprintf(w, "alarms: %s\n", inst.alarms); err != nil {
			return err
		}
	}

	todName := "none"
	if m.tod.haveSource {
		todName = m.tod.source.Name
	}
	if _, err := fmt.Fprintf(w, "interface: %s\ntimestamping: hw\ntime-of-day: %s\n====================\n\n",
		inst.cfg.Interface, todName); err != nil {
		return err
	}

	connector := "X"
	switch inst.state {
	case syncmodule.StateListening:
		connector = "?"
	case syncmodule.StateSlave:
		connector = fmt.Sprintf("%.1f", inst.offsetFromMasterNS)
	}

	_, err := fmt.Fprintf(w, "shm\n|\n| %s\nv\n%s\n%s\n",
		connector, inst.clock.Name(), inst.clock.HardwareID())
	return err
}
