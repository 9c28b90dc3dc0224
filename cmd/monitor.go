// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Aeris Works

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aerisworks/dustmon/pkg/link"
	"github.com/aerisworks/dustmon/pkg/sds011"
)

var monitorNoAutoConnect bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor sensor readings continuously",
	Long: `Connect to the sensor and print each decoded reading with its
rolling average.

The link is supervised: a detached or silent sensor is detected and the
connection is re-established automatically once the device comes back.
Press Ctrl+C to stop; a session summary is printed on exit.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorNoAutoConnect, "no-auto-connect", false, "Wait for an explicit device instead of connecting to the first one found")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := link.NewSerialTransport()
	go transport.Watch(ctx)

	manager := link.NewManager(transport,
		link.WithDevicePath(portPath),
		link.WithAutoConnect(!monitorNoAutoConnect),
		link.WithOnReading(func(s link.Snapshot) {
			r := sds011.Reading{
				PM25:      s.PM25,
				PM10:      s.PM10,
				Timestamp: s.LastUpdate,
				Format:    s.Format,
			}
			fmt.Println(sds011.FormatReading(r, s.AvgPM25, s.AvgPM10, s.Readings))
		}),
		link.WithOnStateChange(func(s link.State) {
			fmt.Printf("-- link %s --\n", s)
		}),
	)

	started := time.Now()
	manager.Run(ctx)

	stats := manager.Stats()
	fmt.Printf("\nSession summary (%s):\n", time.Since(started).Round(time.Second))
	fmt.Printf("  Bytes received:   %d\n", stats.BytesReceived)
	fmt.Printf("  Frames decoded:   %d (standard %d, modified %d)\n",
		stats.FramesDecoded, stats.StandardFrames, stats.ModifiedFrames)
	fmt.Printf("  Implausible:      %d\n", stats.ImplausibleDrops)
	fmt.Printf("  Transport errors: %d\n", stats.TransportErrors)
	fmt.Printf("  Reconnects:       %d\n", stats.Reconnects)
	return nil
}
