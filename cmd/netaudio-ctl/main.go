// Netaudio-ctl discovers netaudio devices and manages their channel
// subscriptions from the command line.
//
// Usage:
//
//	netaudio-ctl [command] [flags]
//
// See 'netaudio-ctl --help' for available commands.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/netaudio/internal/config"
	"github.com/muurk/netaudio/internal/logging"
	"github.com/muurk/netaudio/internal/version"
)

// errReported marks failures the command already printed.
var errReported = errors.New("reported")

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// Global flags
var (
	configPath   string
	logLevel     string
	interfaces   []string
	outputFormat string

	// cfg is loaded once in PersistentPreRunE
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "netaudio-ctl",
	Short: "Discover netaudio devices and route their channels",
	Long: `A command-line tool for netaudio networks.

Devices announce themselves over mDNS; netaudio-ctl listens for those
announcements, then talks to each device's control port to list channels and
create or remove subscriptions. A subscription is always sent to the
receiving device, which then pulls audio from the named transmitter channel.`,
	Version:           version.Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default is the per-user config path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default silent, or $"+logging.LogLevelEnvVar+")")
	rootCmd.PersistentFlags().StringSliceVar(&interfaces, "interface", nil, "Network interface to discover on (repeatable)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format (table, json)")

	rootCmd.AddCommand(versionCmd)
}

// setup initialises logging and loads the configuration for every command.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}

	// --log-level, then the environment, then the config file.
	level := logLevel
	if level == "" && os.Getenv(logging.LogLevelEnvVar) == "" {
		level = cfg.LogLevel
	}
	if err := logging.Initialize(level); err != nil {
		return err
	}

	if len(interfaces) > 0 {
		cfg.Discovery.Interfaces = interfaces
	}

	switch outputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("unknown --format %q (expected table or json)", outputFormat)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat == "json" {
			return printJSON(version.Get())
		}
		info := version.Get()
		fmt.Printf("netaudio-ctl %s %s %s\n", version.Full(), info.GoVersion, info.Platform)
		return nil
	},
}
