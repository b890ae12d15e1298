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

// Package engine hosts the central sync engine: the registry of sync
// instances and the sink for their state-change events, real-time
// statistics and clustering inputs.
package engine

import (
	"context"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/andy-bower/sfptpd/clock"
	"github.com/andy-bower/sfptpd/stats"
	"github.com/andy-bower/sfptpd/syncmodule"
)

type eventKind int

const (
	evStateChanged eventKind = iota + 1
	evRTStats
	evClusteringInput
)

type event struct {
	kind   eventKind
	name   string
	status syncmodule.Status
	rt     *stats.RTRecord
	offset float64
	valid  bool
}

// Engine is the central engine worker. Sync modules post asynchronous
// events to it; the registry of instances is populated before any
// module runs and is read-mostly afterwards.
type Engine struct {
	mu        sync.Mutex
	instances map[string]syncmodule.InstanceInfo

	events  chan event
	monitor *stats.Server
}

// New creates an engine posting real-time stats to the given
// monitoring server (may be nil)
func New(monitor *stats.Server) *Engine {
	return &Engine{
		instances: map[string]syncmodule.InstanceInfo{},
		events:    make(chan event, 64),
		monitor:   monitor,
	}
}

// RegisterInstances adds sync instances to the registry
func (e *Engine) RegisterInstances(infos []syncmodule.InstanceInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, info := range infos {
		if _, ok := e.instances[info.Name]; ok {
			log.Errorf("engine: duplicate sync instance %s", info.Name)
			continue
		}
		e.instances[info.Name] = info
	}
}

// SyncInstanceByName looks up a registered sync instance
func (e *Engine) SyncInstanceByName(name string) (syncmodule.InstanceInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.instances[name]
	return info, ok
}

// StateChanged posts an asynchronous state-change event carrying a
// fully-populated status record
func (e *Engine) StateChanged(name string, status syncmodule.Status) {
	e.post(event{kind: evStateChanged, name: name, status: status})
}

// PostRTStats posts a real-time statistics record
func (e *Engine) PostRTStats(rec *stats.RTRecord) {
	e.post(event{kind: evRTStats, rt: rec})
}

// ClusteringInput feeds one instance's offset into the clustering
// determination
func (e *Engine) ClusteringInput(name string, _ clock.Clock, offset float64, valid bool) {
	e.post(event{kind: evClusteringInput, name: name, offset: offset, valid: valid})
}

// CalculateClusteringScore returns 1 for a valid, finite offset and 0
// otherwise. The offset is not compared against other instances.
func (e *Engine) CalculateClusteringScore(offset float64, valid bool) int {
	if valid && !math.IsNaN(offset) && !math.IsInf(offset, 0) {
		return 1
	}
	return 0
}

// post enqueues an event, sitting it out under back-pressure
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	default:
		log.Warningf("engine: event queue full, dropping event")
	}
}

// Run executes the engine worker until the context is cancelled
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev.kind {
	case evStateChanged:
		log.Infof("engine: %s: state %s alarms %s offset %v",
			ev.name, ev.status.State, ev.status.Alarms, ev.status.OffsetFromMaster)
	case evRTStats:
		if e.monitor != nil {
			e.monitor.SetRTRecord(ev.rt)
		}
		log.Debugf("engine: rt stats %s: offset %.3f freq-adj %.3f in-sync %v",
			ev.rt.Instance, ev.rt.OffsetNS, ev.rt.FreqAdjPPB, ev.rt.Synchronized)
	case evClusteringInput:
		log.Debugf("engine: clustering input %s: offset %.3f valid %v",
			ev.name, ev.offset, ev.valid)
	}
}
