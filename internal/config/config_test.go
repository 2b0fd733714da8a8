package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Chdir(t.TempDir())

	// Given only the node identity is set
	t.Setenv("SERVER_NAME", "node-a")

	// When the config is loaded
	cfg, err := Load()
	req.NoError(err)

	// Then everything else falls back to defaults
	req.Equal("node-a", cfg.ServerName)
	req.Equal(8080, cfg.ServerPort)
	req.Equal(StorePostgres, cfg.StoreDriver)
	req.Equal(BrokerRabbitMQ, cfg.Broker)
	req.Equal(5*time.Second, cfg.BrokerTimeout)
	req.Equal(5, cfg.BrokerMaxRetries)
	req.True(cfg.RejectUnauthenticated)
	req.Equal("0.0.0.0:8080", cfg.Addr())
}

func TestLoad_MissingServerName(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_NAME", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate_Enumerations(t *testing.T) {
	req := require.New(t)

	cfg := Config{
		ServerName:    "node-a",
		StoreDriver:   "mongo",
		Broker:        "kafka",
		SendBuffer:    1,
		DedupWindow:   1,
		BrokerTimeout: time.Second,
	}
	err := cfg.Validate()
	req.Error(err)
	req.Contains(err.Error(), "STORE_DRIVER")
	req.Contains(err.Error(), "BROKER")

	cfg.StoreDriver, cfg.Broker = StoreSQLite, BrokerMemory
	req.NoError(cfg.Validate())
}

func TestPostgresDSN(t *testing.T) {
	cfg := Config{DBUser: "u", DBPassword: "p", DBHost: "h", DBPort: 5433, DBName: "d"}
	require.Equal(t, "postgres://u:p@h:5433/d?sslmode=disable", cfg.PostgresDSN())
}
