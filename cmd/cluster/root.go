/*
Copyright © 2025 Your Name

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

// Package cluster is the command-line entry point for the event
// detection and maintenance engine: it wires the config, repository,
// vector index, and arbiter together and exposes them as four thin
// subcommands (assign, maintain, serve, migrate). It does not stand up an HTTP
// API or any other product surface.
package cluster

import (
	"fmt"
	"os"

	"briefly/internal/config"

	"github.com/spf13/cobra"
)

var cfgFile string

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cluster",
		Short: "Event detection and maintenance engine",
		Long: `cluster assigns incoming articles to news events using hybrid
similarity scoring and LLM arbitration, and performs the periodic
maintenance pass that keeps event centroids and the vector index
accurate.`,
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.briefly-events.yaml)")

	rootCmd.AddCommand(newAssignCmd())
	rootCmd.AddCommand(newMaintainCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if _, err := config.Load(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
}
