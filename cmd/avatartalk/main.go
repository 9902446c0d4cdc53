package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harunnryd/avatartalk/pkg/config"
	"github.com/harunnryd/avatartalk/pkg/logging"
)

type rootFlags struct {
	configPath string
	logLevel   string
	mock       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "avatartalk",
		Short:         "Talk to a bot through a lip-synced avatar",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the YAML configuration")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flags.mock, "mock", false, "use in-memory providers for every vendor")

	root.AddCommand(newRunCmd(flags), newVoicesCmd(), newCheckCmd(flags))
	return root
}

// loadConfig reads the file when one is given, applies flag overrides and
// installs the logger.
func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg := config.Default()
	if strings.TrimSpace(flags.configPath) != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if flags.mock {
		cfg.Vendors.Transcript = config.VendorConfig{Provider: "mock"}
		cfg.Vendors.Chat = config.VendorConfig{Provider: "mock", Settings: map[string]any{"greeting": "Hi! Type something and I will say it back."}}
		cfg.Vendors.Avatar = config.VendorConfig{Provider: "mock", Settings: map[string]any{"char_duration_ms": 40}}
		cfg.Relay = config.VendorConfig{Provider: "static"}
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	logging.InitLoggerTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}
