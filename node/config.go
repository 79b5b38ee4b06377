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

// Package node composes the shared subsystems into the three node
// roles: aircraft Primary, aircraft Secondary and Ground. Role is a
// runtime variant; each role owns its radios and serial links and runs
// one cooperative loop.
package node

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/aerolora/aerolink/linkqual"
	"github.com/aerolora/aerolink/radio"
	"github.com/aerolora/aerolink/relay"
)

// RadioConfig selects one radio's RF parameters.
type RadioConfig struct {
	FrequencyHz     uint32
	BandwidthHz     uint32
	SpreadingFactor uint8
	CodingRate      uint8
	SyncWord        uint8
	PowerDBm        int8
}

// Params converts to the radio capability's parameter block.
func (r RadioConfig) Params() radio.Params {
	return radio.Params{
		FrequencyHz:     r.FrequencyHz,
		BandwidthHz:     r.BandwidthHz,
		SpreadingFactor: r.SpreadingFactor,
		CodingRate:      r.CodingRate,
		SyncWord:        r.SyncWord,
		PowerDBm:        r.PowerDBm,
	}
}

// Config is what we expect to read from the node's YAML config file.
type Config struct {
	SysID uint8

	// serial devices
	FlightPort string // flight controller (Primary)
	FlightBaud int
	InterPort  string // co-resident controller
	InterBaud  int

	// radios: direct GCS network and mesh/relay network
	Direct RadioConfig
	Mesh   RadioConfig

	MonitoringPort int

	// timing
	ScanInterval time.Duration // jamming scan tick
	StatusPeriod time.Duration // STATUS_REQUEST cadence

	// jamming detection thresholds; the single canonical set
	Jamming linkqual.Thresholds

	// ground dual-radio failover
	Failover linkqual.FailoverConfig

	// relay machine timings and scoring
	RelayClient   relay.ClientConfig
	RelayProvider relay.ProviderConfig
	ScoreFormula  string

	EventLogSize int
}

// DefaultConfig returns a config with every knob at its canonical
// value; the YAML file overrides what it names.
func DefaultConfig() *Config {
	return &Config{
		SysID:      1,
		FlightBaud: 57600,
		InterBaud:  115200,
		Direct: RadioConfig{
			FrequencyHz:     915000000,
			BandwidthHz:     125000,
			SpreadingFactor: 9,
			CodingRate:      7,
			SyncWord:        radio.DirectSyncWord,
			PowerDBm:        20,
		},
		Mesh: RadioConfig{
			FrequencyHz:     902000000,
			BandwidthHz:     125000,
			SpreadingFactor: 9,
			CodingRate:      7,
			SyncWord:        radio.MeshSyncWord,
			PowerDBm:        20,
		},
		MonitoringPort: 9090,
		ScanInterval:   time.Second,
		StatusPeriod:   10 * time.Second,
		Jamming:        linkqual.DefaultThresholds(),
		Failover:       linkqual.DefaultFailoverConfig(),
		RelayClient:    relay.DefaultClientConfig(),
		RelayProvider:  relay.DefaultProviderConfig(),
		EventLogSize:   256,
	}
}

// EvalAndValidate makes sure the config is usable.
func (c *Config) EvalAndValidate() error {
	if c.SysID == 0 {
		return fmt.Errorf("bad config: 'sysid' must be nonzero")
	}
	if c.Direct.FrequencyHz == 0 || c.Mesh.FrequencyHz == 0 {
		return fmt.Errorf("bad config: radio frequencies must be set")
	}
	if c.Direct.SyncWord == c.Mesh.SyncWord {
		return fmt.Errorf("bad config: direct and mesh networks must use distinct sync words")
	}
	if c.ScanInterval <= 0 || c.ScanInterval > time.Minute {
		return fmt.Errorf("bad config: 'scaninterval' must be between 0 and 1 minute")
	}
	if c.EventLogSize <= 0 {
		return fmt.Errorf("bad config: 'eventlogsize' must be >0")
	}
	// the scoring formula must parse before a node goes airborne
	if _, err := relay.NewScorer(c.ScoreFormula); err != nil {
		return fmt.Errorf("bad config: %w", err)
	}
	return nil
}

// ReadConfig reads the YAML file over the defaults.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
