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

// Package daemon assembles the clock feed, engine and sync modules
// from configuration and runs them as cooperating workers.
package daemon

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/andy-bower/sfptpd/clock"
	"github.com/andy-bower/sfptpd/clockfeed"
	"github.com/andy-bower/sfptpd/config"
	"github.com/andy-bower/sfptpd/engine"
	"github.com/andy-bower/sfptpd/shm"
	"github.com/andy-bower/sfptpd/stats"
	"github.com/andy-bower/sfptpd/syncmodule"
)

// Periodic housekeeping cadences
const (
	logStatsInterval    = time.Second
	saveStateInterval   = time.Minute
	statsPeriodInterval = 10 * time.Minute
	sysStatsInterval    = 30 * time.Second
)

// clockProvider creates one PHC clock per interface and hands out
// shared handles
type clockProvider struct {
	stateDir string
	cache    map[string]clock.Clock
}

func newClockProvider(stateDir string) *clockProvider {
	return &clockProvider{stateDir: stateDir, cache: map[string]clock.Clock{}}
}

// ClockForInterface implements shm.ClockProvider
func (p *clockProvider) ClockForInterface(iface string) (clock.Clock, error) {
	if clk, ok := p.cache[iface]; ok {
		return clk, nil
	}
	clk, err := clock.NewPHCClock(iface, p.stateDir)
	if err != nil {
		return nil, err
	}
	p.cache[iface] = clk
	return clk, nil
}

// Daemon is the assembled process
type Daemon struct {
	cfg     *config.Config
	monitor *stats.Server
	engine  *engine.Engine
	feed    *clockfeed.Feed
	shm     *shm.Module
	clocks  *clockProvider
}

// New builds a daemon from a loaded configuration
func New(cfg *config.Config) (*Daemon, error) {
	d := &Daemon{
		cfg:     cfg,
		monitor: stats.NewServer(),
		feed:    clockfeed.NewFeed(cfg.General.ClockPollPeriodLog2),
		clocks:  newClockProvider(cfg.General.StatePath),
	}
	d.engine = engine.New(d.monitor)

	module, err := shm.NewModule(cfg.General, cfg.SHM, d.engine, d.feed, d.clocks)
	if err != nil {
		return nil, err
	}
	d.shm = module
	d.engine.RegisterInstances(module.InstanceInfos())

	return d, nil
}

// Run starts all workers and blocks until the context is cancelled or
// a worker fails
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.feed.Run(ctx) })
	g.Go(func() error { return d.engine.Run(ctx) })

	// The feed worker is up; register the local reference clocks
	// before the sync module subscribes to them.
	for _, inst := range d.cfg.SHM {
		clk, err := d.clocks.ClockForInterface(inst.Interface)
		if err != nil {
			log.Errorf("daemon: clock for %s: %v", inst.Interface, err)
			continue
		}
		if err := d.feed.AddClock(clk, d.cfg.General.ClockPollPeriodLog2); err != nil &&
			err != clockfeed.ErrDuplicateClock {
			return fmt.Errorf("registering clock %s: %w", clk.Name(), err)
		}
	}
	d.feed.Start()

	g.Go(func() error { return d.shm.Run(ctx) })
	d.shm.Start()

	go func() {
		if err := d.monitor.Start(d.cfg.General.MonitoringPort); err != nil {
			log.Errorf("daemon: monitoring server: %v", err)
		}
	}()

	g.Go(func() error { return d.housekeeping(ctx) })

	return g.Wait()
}

// housekeeping drives the periodic stats and state persistence
func (d *Daemon) housekeeping(ctx context.Context) error {
	logStats := time.NewTicker(logStatsInterval)
	saveState := time.NewTicker(saveStateInterval)
	statsPeriod := time.NewTicker(statsPeriodInterval)
	sysStats := time.NewTicker(sysStatsInterval)
	defer logStats.Stop()
	defer saveState.Stop()
	defer statsPeriod.Stop()
	defer sysStats.Stop()

	var collector stats.SysStats

	for {
		select {
		case <-ctx.Done():
			// Leave a final state snapshot behind
			d.shm.SaveState()
			return nil
		case t := <-logStats.C:
			d.shm.LogStats(t)
		case <-saveState.C:
			d.shm.SaveState()
		case t := <-statsPeriod.C:
			d.shm.StatsEndPeriod(t)
		case <-sysStats.C:
			if err := collector.Report(d.monitor); err != nil {
				log.Debugf("daemon: runtime stats: %v", err)
			}
		}
	}
}

// Instances lists the registered sync instances
func (d *Daemon) Instances() []syncmodule.InstanceInfo {
	return d.shm.InstanceInfos()
}
