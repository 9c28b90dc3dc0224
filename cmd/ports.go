// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Aeris Works

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aerisworks/dustmon/pkg/link"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List candidate USB serial devices",
	Long: `Scan the host for USB serial devices that could be a sensor.

Only USB-attached ports are listed; built-in UARTs are skipped. The ID
column is stable for the lifetime of the process and is what the monitor
uses to match a reattached device.`,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	transport := link.NewSerialTransport()
	devices, err := transport.List()
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No USB serial devices found.")
		return nil
	}

	fmt.Printf("%-4s %-20s %-24s %s\n", "ID", "PATH", "PRODUCT", "MANUFACTURER")
	for _, d := range devices {
		product := d.Product
		if product == "" {
			product = "-"
		}
		manufacturer := d.Manufacturer
		if manufacturer == "" {
			manufacturer = "-"
		}
		fmt.Printf("%-4d %-20s %-24s %s\n", d.ID, d.Path, product, manufacturer)
	}
	return nil
}
