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

// Package shm implements the SHM synchronization module: a per-source
// state machine that ingests timed events from a local reference
// clock, filters them, feeds a PID-based servo that steers the clock
// and reports status, alarms and statistics to the central engine.
package shm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/andy-bower/sfptpd/clock"
	"github.com/andy-bower/sfptpd/clockfeed"
	"github.com/andy-bower/sfptpd/config"
	"github.com/andy-bower/sfptpd/filter"
	"github.com/andy-bower/sfptpd/stats"
	"github.com/andy-bower/sfptpd/syncmodule"
)

const nsPerSec = int64(time.Second)

const (
	pollInterval = 250 * time.Millisecond

	notchFilterMidpoint = 1.0e9
	notchFilterWidth    = 1.0e8

	requiredGoodPeriods = 3

	clockStepThresholdNS = 5.0e8

	// nominal PID update interval in seconds, one event per second
	pidInterval = 1.0

	eventTimeout      = 60 * time.Second
	pulseCheckTimeout = 8 * time.Second
	alarmTimeout      = 1100 * time.Millisecond

	// events swallowed per instance when entering the running phase
	maxEventDrain = 1000
)

// TestIDBogusEvents toggles synthetic event generation in the module's
// polling path
const TestIDBogusEvents = 1

// Engine is the surface of the central engine the SHM module consumes
type Engine interface {
	StateChanged(name string, status syncmodule.Status)
	PostRTStats(rec *stats.RTRecord)
	ClusteringInput(name string, clk clock.Clock, offset float64, valid bool)
	CalculateClusteringScore(offset float64, valid bool) int
	SyncInstanceByName(name string) (syncmodule.InstanceInfo, bool)
}

// ClockProvider resolves a configured interface name to its local
// reference clock
type ClockProvider interface {
	ClockForInterface(iface string) (clock.Clock, error)
}

type msgID int

const (
	msgRun msgID = iota + 1
	msgGetStatus
	msgControl
	msgStepClock
	msgLogStats
	msgSaveState
	msgWriteTopology
	msgStatsEndPeriod
	msgTestMode
	msgPIDAdjust
)

type message struct {
	id     msgID
	handle *Instance
	mask   syncmodule.CtrlFlags
	flags  syncmodule.CtrlFlags
	offset time.Duration
	time   time.Time
	writer io.Writer
	testID int
	pid    syncmodule.PIDAdjustment
	reply  chan msgReply
}

type msgReply struct {
	status syncmodule.Status
	err    error
}

// Module is the SHM sync module worker. All instance state is owned by
// the goroutine executing Run; the exported methods are messages to it.
type Module struct {
	general   config.General
	engine    Engine
	feed      *clockfeed.Feed
	clocks    ClockProvider
	instances []*Instance

	tod struct {
		name       string
		source     syncmodule.InstanceInfo
		haveSource bool
		nextPoll   time.Time
		status     syncmodule.Status
	}

	msgs    chan message
	fdReady chan *Instance
	done    chan struct{}

	timersStarted bool

	// time source, replaceable in tests
	now   func() time.Time
	epoch time.Time
}

// NewModule creates the SHM sync module and its configured instances.
// Instance startup (clock acquisition, filters) happens inside Run;
// startup errors are reported there, the failed instance is dropped and
// the module aborts only when no instance starts.
func NewModule(general config.General, cfgs []*config.SHMInstance, eng Engine,
	feed *clockfeed.Feed, clocks ClockProvider) (*Module, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("shm: no instances configured")
	}

	m := &Module{
		general: general,
		engine:  eng,
		feed:    feed,
		msgs:    make(chan message),
		fdReady: make(chan *Instance),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	m.epoch = m.now()

	for _, cfg := range cfgs {
		log.Infof("shm %s: creating sync-instance", cfg.Name)
		m.instances = append(m.instances, &Instance{cfg: cfg, pollFD: -1})
	}

	m.clocks = clocks
	return m, nil
}

// InstanceInfos lists the module's instances for engine registration
func (m *Module) InstanceInfos() []syncmodule.InstanceInfo {
	infos := make([]syncmodule.InstanceInfo, 0, len(m.instances))
	for _, inst := range m.instances {
		infos = append(infos, syncmodule.InstanceInfo{
			Module: m,
			Handle: inst,
			Name:   inst.Name(),
		})
	}
	return infos
}

// monoSeconds is the monotonic time since module creation in seconds
func (m *Module) monoSeconds() float64 {
	return m.now().Sub(m.epoch).Seconds()
}

func (m *Module) startInstance(inst *Instance) error {
	cfg := inst.cfg

	// All instances start de-selected and with clock control disabled
	// but with timestamp processing enabled
	inst.ctrlFlags = syncmodule.CtrlFlagsDefault
	inst.started = false
	inst.pulseCheckExpired = false

	inst.synchronized = false
	inst.convergence = stats.NewConvergence()
	if cfg.SyncThreshold != 0 {
		inst.convergence.SetMaxOffset(cfg.SyncThreshold)
	}

	inst.stats = stats.NewCollection("shm", statsDefinitions)

	inst.notch = filter.NewNotch(notchFilterMidpoint, notchFilterWidth)
	inst.fir = filter.NewFIR(cfg.FIRFilterSize)
	inst.pid = filter.NewPID(cfg.PIDFilterKP, cfg.PIDFilterKI, 0.0, pidInterval)

	if cfg.OutlierFilterType == config.OutlierFilterStdDev {
		inst.outlier = filter.NewPeirce(cfg.OutlierFilterSize, cfg.OutlierFilterAdaption)
	}

	if err := m.configureClock(inst); err != nil {
		return err
	}

	m.stateMachineReset(inst)
	m.servoReset(inst)

	return nil
}

func (m *Module) configureClock(inst *Instance) error {
	cfg := inst.cfg

	if cfg.Interface == "" {
		return fmt.Errorf("shm %s: no interface specified", cfg.Name)
	}

	clk, err := m.clocks.ClockForInterface(cfg.Interface)
	if err != nil {
		return fmt.Errorf("shm %s: acquiring clock for interface %s: %w", cfg.Name, cfg.Interface, err)
	}

	for _, other := range m.instances {
		if other != inst && other.clock == clk {
			return fmt.Errorf("shm %s: clock on nic %s is already in use for instance %s",
				cfg.Name, cfg.Interface, other.Name())
		}
	}

	log.Infof("shm %s: local reference clock is %s", cfg.Name, clk.Name())

	inst.freqAdjustMax = clk.MaxFrequencyAdjustment()

	// Match the PID integral clamp to the slave clock's adjustment range
	inst.pid.SetITermMax(inst.freqAdjustMax)

	if err := clk.AdjustFrequency(clk.FrequencyCorrection()); err != nil {
		log.Warningf("shm %s: failed to adjust frequency of clock %s, error %v",
			cfg.Name, clk.Name(), err)
		return err
	}

	// Disable then enable events so the source starts in a known state
	_ = clk.DisableEvents()
	if err := clk.EnableEvents(); err != nil {
		return fmt.Errorf("shm %s: failed to enable timed events for interface %s: %w",
			cfg.Name, cfg.Interface, err)
	}

	sub, err := m.feed.Subscribe(clk)
	if err != nil {
		return fmt.Errorf("shm %s: subscribing to clock feed: %w", cfg.Name, err)
	}
	inst.feed = sub

	inst.clock = clk
	return nil
}

func (m *Module) timeOfDayInit() {
	if m.tod.name == "" {
		m.tod.name = m.instances[0].cfg.TimeOfDay
	}
	if m.tod.name == "" {
		return
	}
	info, ok := m.engine.SyncInstanceByName(m.tod.name)
	if !ok {
		log.Debugf("shm: no sync module for time-of-day; will try again later")
		return
	}
	m.tod.source = info
	m.tod.haveSource = true
	m.tod.nextPoll = m.now()
	m.tod.status = syncmodule.Status{State: syncmodule.StateListening}
}

// timeOfDayPoll refreshes the time-of-day status roughly once a second
func (m *Module) timeOfDayPoll(inst *Instance) {
	now := m.now()
	if m.tod.nextPoll.After(now) {
		return
	}
	if m.tod.nextPoll.IsZero() {
		m.tod.nextPoll = now
	}
	m.tod.nextPoll = m.tod.nextPoll.Add(time.Second)

	if !m.tod.haveSource {
		m.timeOfDayInit()
	}

	if m.tod.haveSource {
		// The offset reported by the source runs master to system
		// clock; correct it to master to NIC via the clock feed.
		status, err := m.tod.source.Module.GetStatus(m.tod.source.Handle)
		if err != nil {
			log.Warningf("shm %s: time-of-day status: %v", inst.Name(), err)
		} else {
			m.tod.status = status
			if status.OffsetFromMaster != 0 {
				inst.feed.RequireFresh()
				r, err := clockfeed.Compare(inst.feed, nil)
				if err == nil {
					log.Debugf("shm %s: tod->sys %v, sys->nic %v",
						inst.Name(), status.OffsetFromMaster, r.Diff)
					m.tod.status.OffsetFromMaster += r.Diff
				}
			}
		}
	}

	// Without a slave time-of-day source there is no access to the
	// time of day: sound the alarm
	if m.tod.status.State == syncmodule.StateSlave ||
		m.tod.status.State == syncmodule.StateSelection {
		inst.alarms.Clear(syncmodule.AlarmNoTimeOfDay)
	} else if !inst.alarms.Test(syncmodule.AlarmNoTimeOfDay) {
		log.Warningf("shm %s: time-of-day module error", inst.Name())
		inst.alarms.Set(syncmodule.AlarmNoTimeOfDay)
	}
}

// pollOnce runs one polling pass for an instance: consume at most one
// event (or age the no-event state), poll time of day, update the
// convergence measure and report state changes. Returns true when an
// event was consumed so the caller can drain queued events.
func (m *Module) pollOnce(inst *Instance, readEvent bool) bool {
	gotEvent := false

	if readEvent {
		seq, ts, err := inst.clock.ReadEvent()
		if inst.test.bogusEvents && errors.Is(err, clock.ErrNoEvent) {
			seq, ts, err = inst.bogusEvent()
		}
		switch {
		case errors.Is(err, clock.ErrNoEvent):
			m.onNoEvent(inst)
		case err != nil:
			m.onEventError(inst, err)
		default:
			m.onEvent(inst, seq, ts)
			gotEvent = true
		}
	} else {
		m.onNoEvent(inst)
	}

	m.timeOfDayPoll(inst)
	m.updateConvergence(inst)

	stateChanged := false
	if inst.state != inst.prevState ||
		(inst.state == syncmodule.StateSlave && (inst.alarms == 0) != (inst.prevAlarms == 0)) {
		stateChanged = true
		log.Infof("shm %s: state changed from %s to %s", inst.Name(),
			stateText(inst.prevState, inst.prevAlarms),
			stateText(inst.state, inst.alarms))
	}

	if inst.clusteringScore != inst.prevClusteringScore {
		stateChanged = true
		log.Infof("%s: clustering score changed %d -> %d", inst.Name(),
			inst.prevClusteringScore, inst.clusteringScore)
	}

	m.updateStats(inst)

	inst.prevState = inst.state
	inst.prevAlarms = inst.alarms
	inst.prevClusteringScore = inst.clusteringScore

	if stateChanged {
		m.engine.StateChanged(inst.Name(), m.buildStatus(inst))
	}

	return gotEvent
}

// onTimer is the 250ms polling tick
func (m *Module) onTimer() {
	for _, inst := range m.instances {
		// Start the pulse check timer on the first tick; once it has
		// expired check that enough good pulses were seen.
		if !inst.started {
			inst.started = true
			inst.startedMono = m.now()
		} else if !inst.pulseCheckExpired {
			if m.now().Sub(inst.startedMono) >= pulseCheckTimeout {
				inst.pulseCheckExpired = true
				if inst.consecutiveGood < requiredGoodPeriods {
					log.Warningf("shm %s: did not see %d consecutive good events after %v.",
						inst.Name(), requiredGoodPeriods+1, pulseCheckTimeout)
					inst.alarms.Set(syncmodule.AlarmNoSignal)
				}
			}
		}

		if inst.pollFD == -1 {
			// Repeat until we run out of events
			for m.pollOnce(inst, true) {
			}
		} else {
			// Events arrive via fd readiness; the tick only ages the
			// time since the last event
			m.pollOnce(inst, false)
		}
	}
}

func (m *Module) onFDReady(inst *Instance) {
	for m.pollOnce(inst, true) {
	}
}

// drainEvents swallows timed events queued before the running phase
func (m *Module) drainEvents(inst *Instance) {
	drained := 0
	for ; drained < maxEventDrain; drained++ {
		_, _, err := inst.clock.ReadEvent()
		if errors.Is(err, clock.ErrNoEvent) {
			break
		}
		if err != nil {
			log.Errorf("shm %s: draining events: %v", inst.Name(), err)
			return
		}
	}
	if drained == maxEventDrain {
		log.Warningf("shm %s: gave up after draining %d events", inst.Name(), maxEventDrain)
	} else if drained != 0 {
		log.Infof("shm %s: swallowed %d events", inst.Name(), drained)
	}
}

// watchFD signals the worker whenever the instance's event fd becomes
// readable
func (m *Module) watchFD(ctx context.Context, inst *Instance) {
	fds := []unix.PollFd{{Fd: int32(inst.pollFD), Events: unix.POLLIN}}
	for ctx.Err() == nil {
		fds[0].Revents = 0
		n, err := unix.Poll(fds, 1000)
		if err != nil && !errors.Is(err, unix.EINTR) {
			log.Errorf("shm %s: polling event fd: %v", inst.Name(), err)
			return
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			select {
			case m.fdReady <- inst:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Module) onRun(ctx context.Context) {
	if m.timersStarted {
		return
	}

	// If event retrieval delivers via an fd, drain stale events now
	// and watch the fd for readiness
	for _, inst := range m.instances {
		inst.pollFD = inst.clock.EventFD()
		if inst.pollFD != -1 {
			m.drainEvents(inst)
			go m.watchFD(ctx, inst)
		}
	}

	m.timersStarted = true
}

// Run executes the module worker until the context is cancelled
func (m *Module) Run(ctx context.Context) error {
	defer close(m.done)

	// A failed instance is disabled and dropped; its siblings carry
	// on. Losing every instance aborts the module.
	started := m.instances[:0]
	for _, inst := range m.instances {
		if err := m.startInstance(inst); err != nil {
			log.Errorf("shm %s: failed to start sync instance: %v", inst.Name(), err)
			inst.state = syncmodule.StateDisabled
			continue
		}
		started = append(started, inst)
	}
	m.instances = started
	if len(m.instances) == 0 {
		m.destroyInstances()
		return errors.New("shm: no sync instance started")
	}

	m.timeOfDayInit()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.destroyInstances()
			return nil
		case <-ticker.C:
			if m.timersStarted {
				m.onTimer()
			}
		case inst := <-m.fdReady:
			m.onFDReady(inst)
		case msg := <-m.msgs:
			m.handle(ctx, msg)
		}
	}
}

func (m *Module) destroyInstances() {
	for _, inst := range m.instances {
		if inst.feed != nil {
			m.feed.Unsubscribe(inst.feed)
			inst.feed = nil
		}
		if inst.clock != nil {
			_ = inst.clock.DisableEvents()
			inst.clock = nil
		}
	}
}

func (m *Module) handle(ctx context.Context, msg message) {
	switch msg.id {
	case msgRun:
		m.onRun(ctx)
	case msgGetStatus:
		msg.reply <- msgReply{status: m.buildStatus(msg.handle)}
	case msgControl:
		m.onControl(msg.handle, msg.mask, msg.flags)
		msg.reply <- msgReply{}
	case msgStepClock:
		// stepClock steps backwards by its argument
		m.stepClock(msg.handle, -msg.offset)
		msg.reply <- msgReply{}
	case msgLogStats:
		for _, inst := range m.instances {
			if inst.state == syncmodule.StateSlave {
				m.sendRTStats(inst, msg.time)
			}
		}
	case msgSaveState:
		m.onSaveState()
	case msgWriteTopology:
		err := m.writeTopology(msg.handle, msg.writer)
		msg.reply <- msgReply{err: err}
	case msgStatsEndPeriod:
		m.onStatsEndPeriod(msg.time)
	case msgTestMode:
		m.onTestMode(msg.handle, msg.testID)
	case msgPIDAdjust:
		m.onPIDAdjust(msg.pid)
	}
}

func (m *Module) onControl(inst *Instance, mask, flags syncmodule.CtrlFlags) {
	ctrlFlags := inst.ctrlFlags
	ctrlFlags &^= mask
	ctrlFlags |= flags & mask

	// Disabling clock control resets just the PID filter; timestamps
	// are still processed
	if inst.ctrlFlags&syncmodule.CtrlClockCtrl != 0 &&
		ctrlFlags&syncmodule.CtrlClockCtrl == 0 {
		inst.pid.Reset()
	}

	// Disabling timestamp processing zeros the cached timestamp and
	// leaves everything else alone; this is typically a temporary
	// measure while clocks are being stepped
	if inst.ctrlFlags&syncmodule.CtrlTimestampProcessing != 0 &&
		ctrlFlags&syncmodule.CtrlTimestampProcessing == 0 {
		inst.eventTimestamp = time.Time{}
	}

	inst.ctrlFlags = ctrlFlags
}

func (m *Module) onTestMode(inst *Instance, id int) {
	switch id {
	case TestIDBogusEvents:
		inst.test.bogusEvents = !inst.test.bogusEvents
		mode := "dis"
		if inst.test.bogusEvents {
			mode = "en"
		}
		log.Infof("shm %s: test-mode bogus events: %sabled", inst.Name(), mode)
	}
}

func (m *Module) onPIDAdjust(adj syncmodule.PIDAdjustment) {
	if adj.ServoTypeMask&syncmodule.ServoTypeSHM == 0 {
		return
	}
	for _, inst := range m.instances {
		inst.pid.Adjust(adj.KP, adj.KI, adj.KD, adj.Reset)
		log.Debugf("%s: adjust pid filter", inst.Name())
	}
}

func (m *Module) call(msg message) msgReply {
	msg.reply = make(chan msgReply, 1)
	select {
	case m.msgs <- msg:
		return <-msg.reply
	case <-m.done:
		return msgReply{err: errors.New("shm: module stopped")}
	}
}

func (m *Module) send(msg message) {
	select {
	case m.msgs <- msg:
	case <-m.done:
	}
}

// Start moves the module into the running phase. Asynchronous.
func (m *Module) Start() {
	m.send(message{id: msgRun})
}

// GetStatus implements syncmodule.Module
func (m *Module) GetStatus(handle syncmodule.Instance) (syncmodule.Status, error) {
	inst, ok := handle.(*Instance)
	if !ok {
		return syncmodule.Status{}, errors.New("shm: foreign instance handle")
	}
	r := m.call(message{id: msgGetStatus, handle: inst})
	return r.status, r.err
}

// Control applies control flag changes to an instance
func (m *Module) Control(handle syncmodule.Instance, mask, flags syncmodule.CtrlFlags) error {
	inst, ok := handle.(*Instance)
	if !ok {
		return errors.New("shm: foreign instance handle")
	}
	return m.call(message{id: msgControl, handle: inst, mask: mask, flags: flags}).err
}

// StepClock implements syncmodule.Module
func (m *Module) StepClock(handle syncmodule.Instance, offset time.Duration) error {
	inst, ok := handle.(*Instance)
	if !ok {
		return errors.New("shm: foreign instance handle")
	}
	return m.call(message{id: msgStepClock, handle: inst, offset: offset}).err
}

// LogStats emits a real-time stats snapshot. Asynchronous.
func (m *Module) LogStats(t time.Time) {
	m.send(message{id: msgLogStats, time: t})
}

// SaveState persists per-instance state summaries. Asynchronous.
func (m *Module) SaveState() {
	m.send(message{id: msgSaveState})
}

// WriteTopology writes a human-readable topology fragment for the
// given instance
func (m *Module) WriteTopology(handle syncmodule.Instance, w io.Writer) error {
	inst, ok := handle.(*Instance)
	if !ok {
		return errors.New("shm: foreign instance handle")
	}
	return m.call(message{id: msgWriteTopology, handle: inst, writer: w}).err
}

// StatsEndPeriod closes the statistics period and writes it to file.
// Asynchronous.
func (m *Module) StatsEndPeriod(t time.Time) {
	m.send(message{id: msgStatsEndPeriod, time: t})
}

// TestMode toggles a named test mode on an instance. Asynchronous.
func (m *Module) TestMode(handle syncmodule.Instance, id int) {
	inst, ok := handle.(*Instance)
	if !ok {
		return
	}
	m.send(message{id: msgTestMode, handle: inst, testID: id})
}

// PIDAdjust re-tunes the PID filter of every instance if the multicast
// mask includes this module type. Asynchronous.
func (m *Module) PIDAdjust(adj syncmodule.PIDAdjustment) {
	m.send(message{id: msgPIDAdjust, pid: adj})
}
