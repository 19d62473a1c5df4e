// Command privcount-dc runs PrivCount's data-collector role.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/privcount/core/internal/config"
	"github.com/privcount/core/pkg/datacollector"
	"github.com/privcount/core/pkg/trafficmodel"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "privcount-dc",
	Short: "Run a PrivCount data collector",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the data collector's YAML config file (required)")
	rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDataCollector(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := datacollector.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("starting data collector: %w", err)
	}

	if cfg.TrafficModelPath != "" {
		model, err := trafficmodel.LoadFile(cfg.TrafficModelPath)
		if err != nil {
			return fmt.Errorf("loading traffic model: %w", err)
		}
		client.WithTrafficModel(model)
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
		fmt.Fprintf(os.Stderr, "privcount-dc: %v\n", err)
		os.Exit(1)
	}
}
