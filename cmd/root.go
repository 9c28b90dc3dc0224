// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Aeris Works

package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	portPath string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "dustmon",
	Short: "Particulate-matter sensor monitor",
	Long: `Dustmon - monitor for USB particulate-matter sensors.

Reads PM2.5/PM10 concentrations from an SDS011-family sensor over its USB
serial bridge, keeps the link alive across unplugs and transient I/O
failures, and maintains a rolling average over recent readings.

Connection: the sensor is auto-detected among USB serial devices; use
--port to pin a specific device. Serial parameters are fixed by the
sensor (9600 baud, 8N1).`,
	Version: "1.3.0",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			Level(level).With().Timestamp().Logger()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portPath, "port", "p", "", "Serial port device (default: auto-detect)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
