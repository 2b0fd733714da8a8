package cli

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

//go:embed chatctl.toml
var defaultConfigFile []byte

// initConfig loads file, falling back to the embedded defaults when it does
// not exist. CHATCTL_* env vars override both.
func initConfig(file string) error {
	viper.SetDefault("server", "ws://localhost:8080/ws")
	viper.SetDefault("log-level", "WARN")
	viper.SetDefault("timeout", "10s")

	viper.SetConfigType("toml")
	viper.SetEnvPrefix("chatctl")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if _, err := os.Stat(file); err != nil {
		if err := viper.ReadConfig(bytes.NewBuffer(defaultConfigFile)); err != nil {
			return fmt.Errorf("reading default config: %w", err)
		}
		return nil
	}

	viper.SetConfigFile(file)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", file, err)
	}
	return nil
}

// configDir respects XDG_CONFIG_HOME everywhere but uses ~/.config on macOS.
func configDir() string {
	home := xdg.ConfigHome
	if runtime.GOOS == "darwin" && os.Getenv("XDG_CONFIG_HOME") == "" {
		if dir, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(dir, ".config")
		}
	}
	return filepath.Join(home, "chatctl")
}
