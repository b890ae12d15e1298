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

// Package config loads the daemon configuration from an ini-style
// section store: a [general] section for daemon-wide settings and one
// named section per sync-module instance.
package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-ini/ini"

	"github.com/andy-bower/sfptpd/filter"
	"github.com/andy-bower/sfptpd/syncmodule"
)

// ClockCtrl is the daemon-wide clock stepping policy
type ClockCtrl int

// Clock stepping policies
const (
	ClockCtrlSlewAndStep ClockCtrl = iota
	ClockCtrlSlewOnly
	ClockCtrlStepAtStartup
	ClockCtrlStepForward
)

// OutlierFilterType selects the outlier rejection method
type OutlierFilterType int

// Outlier filter types
const (
	OutlierFilterDisabled OutlierFilterType = iota
	OutlierFilterStdDev
)

// Defaults for SHM instances
const (
	DefaultPriority         = 128
	DefaultStepsRemoved     = 1
	DefaultPIDFilterKP      = 0.05
	DefaultPIDFilterKI      = 0.001
	DefaultOutlierSize      = 60
	DefaultOutlierAdaption  = 1.0
	DefaultFIRFilterSize    = 4
	DefaultMonitoringPort   = 8890
	DefaultPollPeriodLog2   = -2
	DefaultStatePath        = "/var/lib/sfptpd"
)

// General holds daemon-wide settings
type General struct {
	ClockControl        ClockCtrl
	StatePath           string
	StatsPath           string
	MonitoringPort      int
	ClockPollPeriodLog2 int
}

// SHMInstance holds the configuration of one SHM sync instance
type SHMInstance struct {
	Name                  string
	Interface             string
	Priority              uint
	SourceType            string
	TimeOfDay             string
	MasterClockClass      syncmodule.ClockClass
	MasterTimeSource      syncmodule.TimeSource
	MasterAccuracy        float64
	MasterTimeTraceable   bool
	MasterFreqTraceable   bool
	StepsRemoved          uint
	PropagationDelay      float64
	PIDFilterKP           float64
	PIDFilterKI           float64
	OutlierFilterType     OutlierFilterType
	OutlierFilterSize     int
	OutlierFilterAdaption float64
	FIRFilterSize         int
	SyncThreshold         float64
}

// Config is the full loaded configuration
type Config struct {
	General General
	SHM     []*SHMInstance
}

// DefaultGeneral returns the daemon-wide defaults
func DefaultGeneral() General {
	return General{
		ClockControl:        ClockCtrlSlewAndStep,
		StatePath:           DefaultStatePath,
		StatsPath:           DefaultStatePath,
		MonitoringPort:      DefaultMonitoringPort,
		ClockPollPeriodLog2: DefaultPollPeriodLog2,
	}
}

// DefaultSHMInstance returns an SHM instance with default settings
func DefaultSHMInstance(name string) *SHMInstance {
	return &SHMInstance{
		Name:                  name,
		Priority:              DefaultPriority,
		SourceType:            "complete",
		MasterClockClass:      syncmodule.ClockClassLocked,
		MasterTimeSource:      syncmodule.TimeSourceGPS,
		MasterAccuracy:        math.Inf(1),
		MasterTimeTraceable:   true,
		MasterFreqTraceable:   true,
		StepsRemoved:          DefaultStepsRemoved,
		PIDFilterKP:           DefaultPIDFilterKP,
		PIDFilterKI:           DefaultPIDFilterKI,
		OutlierFilterType:     OutlierFilterStdDev,
		OutlierFilterSize:     DefaultOutlierSize,
		OutlierFilterAdaption: DefaultOutlierAdaption,
		FIRFilterSize:         DefaultFIRFilterSize,
	}
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return parse(file)
}

// LoadData parses configuration from raw bytes
func LoadData(data []byte) (*Config, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return parse(file)
}

func parse(file *ini.File) (*Config, error) {
	cfg := &Config{General: DefaultGeneral()}

	if err := parseGeneral(file.Section("general"), &cfg.General); err != nil {
		return nil, err
	}

	for _, section := range file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || name == "general" {
			continue
		}
		module := section.Key("sync_module").String()
		if module != "shm" {
			return nil, fmt.Errorf("config %s: unknown sync_module %q", name, module)
		}
		inst, err := parseSHM(section)
		if err != nil {
			return nil, err
		}
		cfg.SHM = append(cfg.SHM, inst)
	}

	return cfg, nil
}

func parseGeneral(section *ini.Section, gen *General) error {
	if k, err := section.GetKey("clock_control"); err == nil {
		switch k.String() {
		case "slew-only":
			gen.ClockControl = ClockCtrlSlewOnly
		case "slew-and-step":
			gen.ClockControl = ClockCtrlSlewAndStep
		case "step-at-startup":
			gen.ClockControl = ClockCtrlStepAtStartup
		case "step-forward":
			gen.ClockControl = ClockCtrlStepForward
		default:
			return fmt.Errorf("config general: unknown clock_control %q", k.String())
		}
	}
	if k, err := section.GetKey("state_path"); err == nil {
		gen.StatePath = k.String()
		gen.StatsPath = k.String()
	}
	if k, err := section.GetKey("stats_path"); err == nil {
		gen.StatsPath = k.String()
	}
	if k, err := section.GetKey("monitoring_port"); err == nil {
		port, err := k.Int()
		if err != nil {
			return fmt.Errorf("config general: monitoring_port: %w", err)
		}
		gen.MonitoringPort = port
	}
	if k, err := section.GetKey("clock_poll_period_log2"); err == nil {
		log2, err := k.Int()
		if err != nil {
			return fmt.Errorf("config general: clock_poll_period_log2: %w", err)
		}
		gen.ClockPollPeriodLog2 = log2
	}
	return nil
}

func parseSHM(section *ini.Section) (*SHMInstance, error) {
	name := section.Name()
	inst := DefaultSHMInstance(name)

	fail := func(option string, format string, args ...any) error {
		return fmt.Errorf("config %s: %s %s", name, option, fmt.Sprintf(format, args...))
	}

	inst.Interface = section.Key("interface").String()

	if k, err := section.GetKey("priority"); err == nil {
		v, err := k.Uint()
		if err != nil {
			return nil, fail("priority", "%v", err)
		}
		inst.Priority = v
	}
	if k, err := section.GetKey("shm_source_type"); err == nil {
		switch k.String() {
		case "complete", "tod", "pps":
			inst.SourceType = k.String()
		default:
			return nil, fail("shm_source_type", "%q invalid", k.String())
		}
	}
	inst.TimeOfDay = section.Key("time_of_day").String()

	if k, err := section.GetKey("master_clock_class"); err == nil {
		switch k.String() {
		case "locked":
			inst.MasterClockClass = syncmodule.ClockClassLocked
		case "holdover":
			inst.MasterClockClass = syncmodule.ClockClassHoldover
		case "freerunning":
			inst.MasterClockClass = syncmodule.ClockClassFreerunning
		default:
			return nil, fail("master_clock_class", "%q invalid", k.String())
		}
	}
	if k, err := section.GetKey("master_time_source"); err == nil {
		switch k.String() {
		case "atomic":
			inst.MasterTimeSource = syncmodule.TimeSourceAtomic
		case "gps":
			inst.MasterTimeSource = syncmodule.TimeSourceGPS
		case "ptp":
			inst.MasterTimeSource = syncmodule.TimeSourcePTP
		case "ntp":
			inst.MasterTimeSource = syncmodule.TimeSourceNTP
		case "oscillator":
			inst.MasterTimeSource = syncmodule.TimeSourceOscillator
		default:
			return nil, fail("master_time_source", "%q invalid", k.String())
		}
	}
	if k, err := section.GetKey("master_accuracy"); err == nil {
		if k.String() == "unknown" {
			inst.MasterAccuracy = math.Inf(1)
		} else {
			v, err := k.Float64()
			if err != nil {
				return nil, fail("master_accuracy", "%v", err)
			}
			inst.MasterAccuracy = v
		}
	}
	if k, err := section.GetKey("master_traceability"); err == nil {
		inst.MasterTimeTraceable = false
		inst.MasterFreqTraceable = false
		for _, tok := range strings.Fields(k.String()) {
			switch tok {
			case "time":
				inst.MasterTimeTraceable = true
			case "freq":
				inst.MasterFreqTraceable = true
			default:
				return nil, fail("master_traceability", "%q invalid", tok)
			}
		}
	}
	if k, err := section.GetKey("steps_removed"); err == nil {
		v, err := k.Uint()
		if err != nil {
			return nil, fail("steps_removed", "%v", err)
		}
		inst.StepsRemoved = v
	}
	if k, err := section.GetKey("shm_delay"); err == nil {
		v, err := k.Float64()
		if err != nil {
			return nil, fail("shm_delay", "%v", err)
		}
		inst.PropagationDelay = v
	}
	if k, err := section.GetKey("pid_filter_p"); err == nil {
		v, err := k.Float64()
		if err != nil || v < 0 || v > 1 {
			return nil, fail("pid_filter_p", "%q outside valid range [0,1]", k.String())
		}
		inst.PIDFilterKP = v
	}
	if k, err := section.GetKey("pid_filter_i"); err == nil {
		v, err := k.Float64()
		if err != nil || v < 0 || v > 1 {
			return nil, fail("pid_filter_i", "%q outside valid range [0,1]", k.String())
		}
		inst.PIDFilterKI = v
	}
	if k, err := section.GetKey("outlier_filter_type"); err == nil {
		switch k.String() {
		case "disabled":
			inst.OutlierFilterType = OutlierFilterDisabled
		case "std-dev":
			inst.OutlierFilterType = OutlierFilterStdDev
		default:
			return nil, fail("outlier_filter_type", "%q invalid", k.String())
		}
	}
	if k, err := section.GetKey("outlier_filter_size"); err == nil {
		v, err := k.Int()
		if err != nil || v < filter.PeirceMinSamples || v > filter.PeirceMaxSamples {
			return nil, fail("outlier_filter_size", "%q invalid, expect range [%d,%d]",
				k.String(), filter.PeirceMinSamples, filter.PeirceMaxSamples)
		}
		inst.OutlierFilterSize = v
	}
	if k, err := section.GetKey("outlier_filter_adaption"); err == nil {
		v, err := k.Float64()
		if err != nil || v < 0 || v > 1 {
			return nil, fail("outlier_filter_adaption", "%q invalid, expect range [0,1]", k.String())
		}
		inst.OutlierFilterAdaption = v
	}
	if k, err := section.GetKey("fir_filter_size"); err == nil {
		v, err := k.Int()
		if err != nil || v < filter.FIRMinTaps || v > filter.FIRMaxTaps {
			return nil, fail("fir_filter_size", "%q invalid, expect range [%d,%d]",
				k.String(), filter.FIRMinTaps, filter.FIRMaxTaps)
		}
		inst.FIRFilterSize = v
	}
	if k, err := section.GetKey("sync_threshold"); err == nil {
		v, err := k.Float64()
		if err != nil {
			return nil, fail("sync_threshold", "%v", err)
		}
		inst.SyncThreshold = v
	}

	return inst, nil
}
