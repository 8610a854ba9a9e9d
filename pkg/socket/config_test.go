package socket

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-socket/api"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 30*time.Second, config.ConnectTimeout)
	assert.Equal(t, 2*time.Second, config.DisconnectTimeout)
	assert.Equal(t, int64(0), config.ReadBufferSize)
	assert.True(t, config.Buffered)
	assert.Equal(t, api.AnyIPProtocol, config.PreferredProtocol)
	assert.NoError(t, VerifyConfig(config))
}

func TestVerifyConfig(t *testing.T) {
	cases := map[string]func(c *Config){
		"connect timeout":    func(c *Config) { c.ConnectTimeout = 0 },
		"disconnect timeout": func(c *Config) { c.DisconnectTimeout = -time.Second },
		"read buffer":        func(c *Config) { c.ReadBufferSize = -1 },
		"write chunk":        func(c *Config) { c.WriteChunkSize = 0 },
		"probe":              func(c *Config) { c.ProbeReadSize = 0 },
		"protocol":           func(c *Config) { c.PreferredProtocol = 9 },
		"log level":          func(c *Config) { c.LogLevel = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			config := DefaultConfig()
			mutate(config)
			assert.Error(t, VerifyConfig(config))
		})
	}
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
connectTimeout: 5s
disconnectTimeout: 250ms
readBufferSize: 65536
writeChunkSize: 4096
buffered: false
preferredProtocol: ipv6
logLevel: warn
`)
	config, err := ParseConfig(data)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, config.ConnectTimeout)
	assert.Equal(t, 250*time.Millisecond, config.DisconnectTimeout)
	assert.Equal(t, int64(65536), config.ReadBufferSize)
	assert.Equal(t, 4096, config.WriteChunkSize)
	assert.Equal(t, defaultProbeReadSize, config.ProbeReadSize)
	assert.False(t, config.Buffered)
	assert.Equal(t, api.IPv6Protocol, config.PreferredProtocol)
	assert.Equal(t, "warn", config.LogLevel)
}

func TestParseConfigEmptyKeepsDefaults(t *testing.T) {
	config, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"yaml":       "connectTimeout: [",
		"duration":   "connectTimeout: soon",
		"disconnect": "disconnectTimeout: 1parsec",
		"protocol":   "preferredProtocol: ipx",
		"negative":   "readBufferSize: -5",
		"level":      "logLevel: chatty",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "socket.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connectTimeout: 1s\n"), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, time.Second, config.ConnectTimeout)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("writeChunkSize: 0\n"), 0o600))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "WriteChunkSize must be positive")
}

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]api.NetworkLayerProtocol{
		"ipv4": api.IPv4Protocol,
		"V4":   api.IPv4Protocol,
		"ipv6": api.IPv6Protocol,
		"6":    api.IPv6Protocol,
		"any":  api.AnyIPProtocol,
		"":     api.AnyIPProtocol,
	} {
		got, err := ParseProtocol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseProtocol("ipx")
	assert.Error(t, err)
}
