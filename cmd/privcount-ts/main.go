// Command privcount-ts runs PrivCount's tally-server role.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/privcount/core/internal/config"
	"github.com/privcount/core/pkg/tallyserver"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "privcount-ts",
	Short: "Run a PrivCount tally server",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the tally server's YAML config file (required)")
	rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadTallyServer(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	srv, err := tallyserver.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("starting tally server: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		os.Exit(0)
	}()

	return srv.Serve()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "privcount-ts: %v\n", err)
		os.Exit(1)
	}
}
