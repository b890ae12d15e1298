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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andy-bower/sfptpd/config"
	"github.com/andy-bower/sfptpd/daemon"
)

var (
	verboseFlag        bool
	configFlag         string
	monitoringPortFlag int
)

var rootCmd = &cobra.Command{
	Use:   "sfptpd",
	Short: "time synchronization daemon disciplining local reference clocks",
	Run: func(_ *cobra.Command, _ []string) {
		log.SetLevel(log.InfoLevel)
		if verboseFlag {
			log.SetLevel(log.DebugLevel)
		}

		cfg, err := config.Load(configFlag)
		if err != nil {
			log.Fatal(err)
		}
		if monitoringPortFlag != 0 {
			cfg.General.MonitoringPort = monitoringPortFlag
		}

		d, err := daemon.New(cfg)
		if err != nil {
			log.Fatal(err)
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := d.Run(ctx); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose output")
	rootCmd.Flags().StringVarP(&configFlag, "config", "f", "/etc/sfptpd.conf", "path to the config")
	rootCmd.Flags().IntVar(&monitoringPortFlag, "monitoringport", 0, "override the monitoring http server port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
