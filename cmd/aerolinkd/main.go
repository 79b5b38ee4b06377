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

// aerolinkd is the node daemon: one process per radio controller, with
// the role selected by subcommand. Radio hardware drivers register
// behind the radio.Radio interface; the built-in "mock" driver is a
// loopback for bench work.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aerolora/aerolink/node"
	"github.com/aerolora/aerolink/radio"
)

var (
	cfgPath   string
	logLevel  string
	driver    string
	dualRadio bool
)

// drivers maps a --radio-driver name to a constructor. Hardware
// drivers live out of tree and add themselves here from an init().
var drivers = map[string]func() radio.Radio{
	"mock": func() radio.Radio { return radio.NewMock() },
}

func newRadio() (radio.Radio, error) {
	ctor, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("unknown radio driver %q", driver)
	}
	return ctor(), nil
}

func setupLog() error {
	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		return fmt.Errorf("unrecognized log level: %v", logLevel)
	}
	return nil
}

func loadConfig() (*node.Config, error) {
	cfg, err := node.ReadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EvalAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// nullShort is the placeholder short-range link used until a 2.4 GHz
// transceiver driver is attached; it is never reachable.
type nullShort struct{}

func (nullShort) Reachable() bool                 { return false }
func (nullShort) Send(b []byte) error             { return fmt.Errorf("no short-range link") }
func (nullShort) Receive(buf []byte) (int, error) { return 0, nil }
func (nullShort) RSSI() float64                   { return 0 }

func runContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx
}

func startCommon(cfg *node.Config) (*node.Stats, *node.EventLog) {
	stats := node.NewStats()
	events := node.NewEventLog(cfg.EventLogSize)
	mon := node.NewMonitoring(stats, events)
	go mon.Start(cfg.MonitoringPort)
	console := node.NewConsole(stats, events)
	go console.Run(os.Stdin, os.Stdout)
	return stats, events
}

func runPrimary(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gcs, err := newRadio()
	if err != nil {
		return err
	}
	flight, err := node.OpenSerial(cfg.FlightPort, cfg.FlightBaud)
	if err != nil {
		return err
	}
	defer flight.Close()
	inter, err := node.OpenSerial(cfg.InterPort, cfg.InterBaud)
	if err != nil {
		return err
	}
	defer inter.Close()

	stats, events := startCommon(cfg)
	p, err := node.NewPrimary(cfg, gcs, nullShort{}, flight, inter, inter, stats, events)
	if err != nil {
		return err
	}
	log.Infof("primary node %d up, GCS link on %d Hz", cfg.SysID, cfg.Direct.FrequencyHz)
	return p.Run(runContext())
}

func runSecondary(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mesh, err := newRadio()
	if err != nil {
		return err
	}
	inter, err := node.OpenSerial(cfg.InterPort, cfg.InterBaud)
	if err != nil {
		return err
	}
	defer inter.Close()

	stats, events := startCommon(cfg)
	s, err := node.NewSecondary(cfg, mesh, inter, inter, stats, events)
	if err != nil {
		return err
	}
	log.Infof("secondary node %d up, mesh on %d Hz", cfg.SysID, cfg.Mesh.FrequencyHz)
	return s.Run(runContext())
}

func runGround(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	direct, err := newRadio()
	if err != nil {
		return err
	}
	var relayR radio.Radio
	if dualRadio {
		if relayR, err = newRadio(); err != nil {
			return err
		}
	}

	stats, events := startCommon(cfg)
	g, err := node.NewGround(cfg, direct, relayR, os.Stdout, stats, events, time.Now())
	if err != nil {
		return err
	}
	log.Infof("ground node up, expecting aircraft %d", cfg.SysID)
	return g.Run(runContext())
}

func main() {
	root := &cobra.Command{
		Use:          "aerolinkd",
		Short:        "dual-band aircraft telemetry transport node",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLog()
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to the YAML config")
	root.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "debug, info, warning or error")
	root.PersistentFlags().StringVar(&driver, "radio-driver", "mock", "radio driver name")

	primary := &cobra.Command{
		Use:   "primary",
		Short: "aircraft node owning the long-range GCS link",
		RunE:  runPrimary,
	}
	secondary := &cobra.Command{
		Use:   "secondary",
		Short: "aircraft node owning the mesh/relay frequency",
		RunE:  runSecondary,
	}
	ground := &cobra.Command{
		Use:   "ground",
		Short: "ground station receiver",
		RunE:  runGround,
	}
	ground.Flags().BoolVar(&dualRadio, "dual-radio", false, "listen on the relay frequency too")

	root.AddCommand(primary, secondary, ground)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
