package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/tagwire/internal/config"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tagwire: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "tagwire",
		Short: "Tagged-frame duplex messaging over TCP",
		Long: `tagwire runs the tagged-frame protocol over raw TCP.

Frames are delimited by boundary tags, carry a fixed-width head
(client id, ref, event, timestamp) and a JSON object body. Requests
are correlated with their responses by ref.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a tagwire TOML config file")

	load := func() (config.Config, error) {
		return loadConfig(configPath)
	}
	rootCmd.AddCommand(
		serveCmd(load),
		echoCmd(load),
		initCmd(),
		versionCmd(),
	)
	return rootCmd
}

// loadConfig returns the defaults when path is empty.
func loadConfig(path string) (config.Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
