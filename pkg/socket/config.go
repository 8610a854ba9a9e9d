package socket

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/internal/debug"
)

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultDisconnectTimeout = 2 * time.Second
	defaultWriteChunkSize    = 32768
	defaultProbeReadSize     = 4096
)

// Config holds per-socket parameters.
type Config struct {
	// ConnectTimeout bounds each candidate address. When it fires the
	// attempt moves on to the next candidate.
	ConnectTimeout time.Duration
	// DisconnectTimeout forces the engine closed when a graceful close is
	// stuck on bytes the engine itself still holds.
	DisconnectTimeout time.Duration
	// ReadBufferSize is the read buffer high-water mark. 0 is unbounded.
	ReadBufferSize int64
	// WriteChunkSize is the allocation unit of the write buffer.
	WriteChunkSize int
	// ProbeReadSize is read when the engine reports nothing available.
	ProbeReadSize int
	// Buffered selects buffered mode. Datagram sockets are always
	// unbuffered.
	Buffered bool
	// PreferredProtocol filters resolved candidates. AnyIPProtocol and
	// UnknownNetworkLayerProtocol disable filtering.
	PreferredProtocol api.NetworkLayerProtocol
	// LogLevel, when set, is applied to every logger by NewRuntime (see
	// debug.ParseLevel). New ignores it.
	LogLevel string
	// LogOutput receives socket logs. nil writes to stdout.
	LogOutput io.Writer
}

// DefaultConfig returns the default socket configuration.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:    defaultConnectTimeout,
		DisconnectTimeout: defaultDisconnectTimeout,
		WriteChunkSize:    defaultWriteChunkSize,
		ProbeReadSize:     defaultProbeReadSize,
		Buffered:          true,
		PreferredProtocol: api.AnyIPProtocol,
	}
}

// VerifyConfig checks config for obvious mistakes.
func VerifyConfig(config *Config) error {
	if config.ConnectTimeout <= 0 {
		return errors.New("ConnectTimeout must be positive")
	}
	if config.DisconnectTimeout <= 0 {
		return errors.New("DisconnectTimeout must be positive")
	}
	if config.ReadBufferSize < 0 {
		return errors.New("ReadBufferSize must not be negative")
	}
	if config.WriteChunkSize <= 0 {
		return errors.New("WriteChunkSize must be positive")
	}
	if config.ProbeReadSize <= 0 {
		return errors.New("ProbeReadSize must be positive")
	}
	switch config.PreferredProtocol {
	case api.IPv4Protocol, api.IPv6Protocol, api.AnyIPProtocol, api.UnknownNetworkLayerProtocol:
	default:
		return fmt.Errorf("unknown PreferredProtocol %d", config.PreferredProtocol)
	}
	if config.LogLevel != "" {
		if _, err := debug.ParseLevel(config.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// fileConfig is the on-disk form of Config.
type fileConfig struct {
	ConnectTimeout    string `yaml:"connectTimeout"`
	DisconnectTimeout string `yaml:"disconnectTimeout"`
	ReadBufferSize    *int64 `yaml:"readBufferSize"`
	WriteChunkSize    *int   `yaml:"writeChunkSize"`
	ProbeReadSize     *int   `yaml:"probeReadSize"`
	Buffered          *bool  `yaml:"buffered"`
	PreferredProtocol string `yaml:"preferredProtocol"`
	LogLevel          string `yaml:"logLevel"`
}

// LoadConfig reads a YAML configuration file. Missing fields keep their
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// ParseConfig decodes YAML configuration on top of DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config := DefaultConfig()
	if fc.ConnectTimeout != "" {
		d, err := time.ParseDuration(fc.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("connectTimeout: %w", err)
		}
		config.ConnectTimeout = d
	}
	if fc.DisconnectTimeout != "" {
		d, err := time.ParseDuration(fc.DisconnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("disconnectTimeout: %w", err)
		}
		config.DisconnectTimeout = d
	}
	if fc.ReadBufferSize != nil {
		config.ReadBufferSize = *fc.ReadBufferSize
	}
	if fc.WriteChunkSize != nil {
		config.WriteChunkSize = *fc.WriteChunkSize
	}
	if fc.ProbeReadSize != nil {
		config.ProbeReadSize = *fc.ProbeReadSize
	}
	if fc.Buffered != nil {
		config.Buffered = *fc.Buffered
	}
	if fc.PreferredProtocol != "" {
		p, err := ParseProtocol(fc.PreferredProtocol)
		if err != nil {
			return nil, err
		}
		config.PreferredProtocol = p
	}
	config.LogLevel = fc.LogLevel
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ParseProtocol maps "ipv4", "ipv6" or "any" to a protocol.
func ParseProtocol(s string) (api.NetworkLayerProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ipv4", "v4", "4":
		return api.IPv4Protocol, nil
	case "ipv6", "v6", "6":
		return api.IPv6Protocol, nil
	case "any", "":
		return api.AnyIPProtocol, nil
	}
	return api.UnknownNetworkLayerProtocol, fmt.Errorf("unknown protocol %q", s)
}
