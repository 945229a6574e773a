// Package config loads the server's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BridgeConfig configures the optional remote-bridge transport (see
// internal/bridge). Disabled by default; the primary transport is the
// local pipe listener.
type BridgeConfig struct {
	Enable    bool   `yaml:"enable"`
	ServerURL string `yaml:"server_url"`
	Insecure  bool   `yaml:"insecure"`
	EnableECH bool   `yaml:"enable_ech"`
	ECHDomain string `yaml:"ech_domain"`
	ECHDns    string `yaml:"ech_dns"`
	EnableCF  bool   `yaml:"enable_cloudflare_tunnel"`
	CFBinPath string `yaml:"cloudflared_path"`

	// UseCFOptimizer dials the lowest-latency Cloudflare edge IP found by
	// probing a sample of Cloudflare's published ranges, instead of
	// resolving cfg.ServerURL's hostname normally. Only meaningful when
	// the bridge server sits behind Cloudflare (e.g. a trycloudflare.com
	// tunnel domain). The TLS ServerName/SNI still carries the real host.
	UseCFOptimizer bool `yaml:"use_cf_optimizer"`
}

// Config is the single configuration object for the server: there is no
// separate client role in this module (the remote controller is out of
// scope per the Non-goals).
type Config struct {
	// PipeName names the transport endpoint. The only pipe.Listener
	// shipped here is the WebSocket backend, which takes a "host:port" to
	// listen on; the default value is a named-pipe path, which that
	// backend cannot bind.
	PipeName string `yaml:"pipe_name"`

	MaxChannelsPerClient int           `yaml:"max_channels_per_client"`
	ChannelIdleTimeout   time.Duration `yaml:"channel_idle_timeout"`
	SocksConnectTimeout  time.Duration `yaml:"socks_connect_timeout"`

	MetricsListen string `yaml:"metrics_listen"`
	LogLevel      string `yaml:"log_level"`

	Bridge BridgeConfig `yaml:"bridge"`
}

func DefaultConfig() *Config {
	return &Config{
		PipeName:             `\\.\pipe\rpc2socks`,
		MaxChannelsPerClient: 2,
		ChannelIdleTimeout:   120 * time.Second,
		SocksConnectTimeout:  6 * time.Second,
		MetricsListen:        "127.0.0.1:9090",
		LogLevel:             "info",
	}
}

func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate clamps out-of-range fields to sane defaults and rejects
// configuration that cannot possibly run.
func (c *Config) Validate() error {
	if c.PipeName == "" {
		return errors.New("pipe name is required")
	}

	if c.MaxChannelsPerClient <= 0 {
		c.MaxChannelsPerClient = 2
	}
	if c.ChannelIdleTimeout <= 0 {
		c.ChannelIdleTimeout = 120 * time.Second
	}
	if c.SocksConnectTimeout <= 0 {
		c.SocksConnectTimeout = 6 * time.Second
	}
	if c.MetricsListen == "" {
		c.MetricsListen = "127.0.0.1:9090"
	}

	if c.Bridge.Enable {
		if c.Bridge.ServerURL == "" {
			return errors.New("bridge.server_url is required when bridge.enable is set")
		}
		if c.Bridge.EnableECH && c.Bridge.ECHDomain == "" {
			return fmt.Errorf("bridge.ech_domain is required when bridge.enable_ech is set")
		}
	}

	return nil
}
