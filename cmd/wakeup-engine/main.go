package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "wakeup-engine",
		Short: "Wakeup Engine - scheduled account wakeups and verification",
		Long: `Wakeup Engine keeps AI accounts warm. It fires scheduled, cron and
quota-reset wakeup tasks, records every ping in a bounded history and
runs verification batches that classify each account's health.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
