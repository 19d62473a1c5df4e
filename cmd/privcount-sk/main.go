// Command privcount-sk runs PrivCount's share-keeper role.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/privcount/core/internal/config"
	"github.com/privcount/core/pkg/sharekeeper"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "privcount-sk",
	Short: "Run a PrivCount share keeper",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the share keeper's YAML config file (required)")
	rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadShareKeeper(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := sharekeeper.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("starting share keeper: %w", err)
	}

	done := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		close(done)
	}()

	return client.Run(done)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "privcount-sk: %v\n", err)
		os.Exit(1)
	}
}
