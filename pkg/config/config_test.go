package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *ConnectorConfig {
	cfg := NewConnectorConfig("orders-db", "postgres")
	cfg.Streams = []StreamConfig{
		{Name: "orders", CursorField: "updated_at", BusinessKeys: []string{"id"}},
	}
	return cfg
}

func TestConnectorConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ConnectorConfig)
		wantErr string
	}{
		{"valid", func(c *ConnectorConfig) {}, ""},
		{"missing id", func(c *ConnectorConfig) { c.ID = "" }, "id is required"},
		{"missing type", func(c *ConnectorConfig) { c.Type = "" }, "type is required"},
		{"no streams", func(c *ConnectorConfig) { c.Streams = nil }, "at least one stream"},
		{"unnamed stream", func(c *ConnectorConfig) { c.Streams[0].Name = "" }, "stream name is required"},
		{"duplicate stream", func(c *ConnectorConfig) {
			c.Streams = append(c.Streams, StreamConfig{Name: "orders"})
		}, "duplicate stream"},
		{"bad batch size", func(c *ConnectorConfig) { c.Performance.BatchSize = 0 }, "batch_size"},
		{"negative retries", func(c *ConnectorConfig) { c.Reliability.RetryAttempts = -1 }, "retry_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConnectorConfigDefaults(t *testing.T) {
	cfg := NewConnectorConfig("c1", "mysql")

	assert.Equal(t, 1000, cfg.Performance.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Connection)
	assert.Equal(t, 30*time.Minute, cfg.RunTimeout())
	assert.Equal(t, 3, cfg.Reliability.RetryAttempts)
	assert.True(t, cfg.Enabled)
}

func TestConnectorConfigStreamLookup(t *testing.T) {
	cfg := validConfig()

	require.NotNil(t, cfg.Stream("orders"))
	assert.Equal(t, "updated_at", cfg.Stream("orders").CursorField)
	assert.Nil(t, cfg.Stream("missing"))
	assert.Equal(t, []string{"orders"}, cfg.StreamNames())
}

func TestStreamTargetName(t *testing.T) {
	s := StreamConfig{Name: "orders"}
	assert.Equal(t, "orders", s.TargetName())

	s.Target = "orders_clean"
	assert.Equal(t, "orders_clean", s.TargetName())
}

func TestLoadConnectorConfig(t *testing.T) {
	t.Setenv("TEST_ORDERS_DSN", "postgres://u:p@localhost/orders")

	dir := t.TempDir()
	path := filepath.Join(dir, "orders-db.yaml")
	doc := `
type: postgres
connection:
  params:
    dsn: ${TEST_ORDERS_DSN}
streams:
  - name: orders
    cursor_field: updated_at
    business_keys: [id]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConnectorConfig(path)
	require.NoError(t, err)

	// ID defaults from the file name
	assert.Equal(t, "orders-db", cfg.ID)
	assert.Equal(t, "postgres://u:p@localhost/orders", cfg.Connection.Params["dsn"])
	assert.Equal(t, "updated_at", cfg.Streams[0].CursorField)
	// Defaults survive partial documents
	assert.Equal(t, 1000, cfg.Performance.BatchSize)
}

func TestLoadConnectorDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yaml"} {
		doc := `
type: mysql
streams:
  - name: t1
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	configs, err := LoadConnectorDir(dir)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "a", configs[0].ID)
	assert.Equal(t, "b", configs[1].ID)
}
