package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fuo",
	Short: "Firmware Upgrade Orchestrator",
	Long: `fuo drives a device through a firmware upgrade: uploading one or more
images, exercising the device's test/confirm workflow, and resetting and
reconnecting across the reboot that swaps images in.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
