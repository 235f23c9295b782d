package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	debug   bool

	rootCmd = &cobra.Command{
		Use:   "hoist",
		Short: "Privilege Elevation Engine",
		Long: `Hoist - Privilege Elevation Engine

Hoist sits between developer tool hooks and sensitive operations.
It classifies intercepted commands, decides whether elevation is
needed, drives step-up verification and human approval, and issues
short-lived signed elevation tokens. Every decision leaves an audit
trail.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Hoist {{.Version}} - Privilege Elevation Engine
`)
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
