// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Aeris Works

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aerisworks/dustmon/pkg/sds011"
)

var probeTimeout int

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test connectivity by waiting for one valid reading",
	Long: `Open the sensor and wait for a single decodable measurement frame.

Garbage bytes before the first frame are skipped. Both the standard and
the modified report formats are accepted.

Exit codes:
  0 - Valid reading received before timeout
  1 - Timeout reached without a valid reading
  2 - Connection error`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 10, "Timeout in seconds to wait for a reading")
}

func runProbe(cmd *cobra.Command, args []string) error {
	conn, dev, err := openSensor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Dustmon - Sensor Probe\n")
	fmt.Printf("Device: %s\n", dev.Path)
	fmt.Printf("Timeout: %d seconds\n", probeTimeout)
	fmt.Printf("Waiting for a valid reading...\n\n")

	readingChan := make(chan sds011.Reading, 1)
	errChan := make(chan error, 1)

	go func() {
		frames := sds011.NewFrameBuffer()
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}
			frames.Append(buf[:n])

			r, consumed, _, ok := sds011.Decode(frames.Snapshot())
			if !ok {
				if consumed > 0 {
					frames.Consume(consumed)
				}
				continue
			}
			frameSize := sds011.StandardFrameSize
			if r.Format == sds011.FormatModified {
				frameSize = sds011.ModifiedFrameSize
			}
			if skipped := consumed - frameSize; skipped > 0 {
				fmt.Printf("(skipped %d bytes before sync)\n", skipped)
			}
			readingChan <- r
			return
		}
	}()

	select {
	case r := <-readingChan:
		fmt.Printf("SUCCESS: Received valid reading\n")
		fmt.Printf("  PM2.5:  %.1f ug/m3\n", r.PM25)
		fmt.Printf("  PM10:   %.1f ug/m3\n", r.PM10)
		fmt.Printf("  Format: %s\n", r.Format)
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(probeTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid reading received within %d seconds\n", probeTimeout)
		os.Exit(1)
	}

	return nil
}
