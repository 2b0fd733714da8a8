// Package cli implements chatctl, a terminal client for the chat relay.
package cli

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "chatctl",
	Short:         "Terminal client for the chat relay",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig(configFile)
	},
}

// Execute runs the command line until ctx is cancelled.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	defaultConfigFile := filepath.Join(configDir(), "chatctl.toml")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfigFile, "config file")

	rootCmd.PersistentFlags().String("server", "", "relay WebSocket URL")
	rootCmd.PersistentFlags().String("token", "", "access token")
	rootCmd.PersistentFlags().String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "connect and request timeout")

	// expose to the application via viper; flags win over file and env only when set
	for _, name := range []string{"server", "token", "log-level", "timeout"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
