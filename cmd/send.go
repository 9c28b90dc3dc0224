// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Aeris Works

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aerisworks/dustmon/pkg/sds011"
)

var sendCmd = &cobra.Command{
	Use:   "send <wake|sleep|read>",
	Short: "Send a single command frame to the sensor",
	Long: `Encode and transmit one command frame, then exit.

Commands:
  wake   - wake the sensor from its low-power state
  sleep  - put the sensor into its low-power state
  read   - request an immediate measurement report`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	var command sds011.Command
	switch args[0] {
	case "wake":
		command = sds011.CommandWake
	case "sleep":
		command = sds011.CommandSleep
	case "read":
		command = sds011.CommandRead
	default:
		return fmt.Errorf("unknown command %q (expected wake, sleep, or read)", args[0])
	}

	conn, dev, err := openSensor()
	if err != nil {
		return err
	}
	defer conn.Close()

	frame := sds011.EncodeCommand(command)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("failed to send %s command: %w", command, err)
	}

	fmt.Printf("Sent %s command (% X) to %s\n", command, frame, dev.Path)
	return nil
}
