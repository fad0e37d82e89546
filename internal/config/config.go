// Package config loads pac-agent settings from an optional YAML file,
// PAC_AGENT_* environment variables and command-line flags.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultEngine       = "goja"
	DefaultFetchTimeout = 30 * time.Second
	DefaultExecTimeout  = 5 * time.Second
	DefaultDialTimeout  = 30 * time.Second
	DefaultListen       = ":3128"
	DefaultMetrics      = ":9128"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
)

// Config holds the application configuration.
type Config struct {
	PAC    PACConfig    `mapstructure:"pac"`
	Proxy  ProxyConfig  `mapstructure:"proxy"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// PACConfig describes where the PAC script comes from and how it runs.
type PACConfig struct {
	Source          string        `mapstructure:"source"` // URI, path, pac+ reference or literal script
	Engine          string        `mapstructure:"engine"` // goja or otto
	Charset         string        `mapstructure:"charset"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"` // 0 checks the source on every request
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`
}

// ProxyConfig is the baseline applied to every upstream connection.
type ProxyConfig struct {
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	TLSInsecureSkipVerify bool          `mapstructure:"tls_insecure_skip_verify"`
	TLSServerName         string        `mapstructure:"tls_server_name"` // overrides the verified name of every upstream TLS session
	Authorization         string        `mapstructure:"authorization"`   // sent as Proxy-Authorization
}

type ServerConfig struct {
	Listen  string `mapstructure:"listen"`
	Metrics string `mapstructure:"metrics"` // empty disables the metrics endpoint
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
	Syslog bool   `mapstructure:"syslog"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"pac":       "pac.source",
	"engine":    "pac.engine",
	"listen":    "server.listen",
	"metrics":   "server.metrics",
	"log-level": "log.level",
	"syslog":    "log.syslog",
}

// Load reads configuration from path (optional), the environment and any
// of flags that were set. Flags take precedence over the environment,
// which takes precedence over the file.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAC_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PAC_FILE is the historical name for the source.
	if err := v.BindEnv("pac.source", "PAC_AGENT_PAC_SOURCE", "PAC_FILE"); err != nil {
		return nil, err
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pac.source", "")
	v.SetDefault("pac.engine", DefaultEngine)
	v.SetDefault("pac.charset", "")
	v.SetDefault("pac.fetch_timeout", DefaultFetchTimeout)
	v.SetDefault("pac.refresh_interval", time.Duration(0))
	v.SetDefault("pac.exec_timeout", DefaultExecTimeout)

	v.SetDefault("proxy.dial_timeout", DefaultDialTimeout)
	v.SetDefault("proxy.tls_insecure_skip_verify", false)
	v.SetDefault("proxy.tls_server_name", "")
	v.SetDefault("proxy.authorization", "")

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.metrics", DefaultMetrics)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("log.syslog", false)
}

// Validate checks the consistency of the configuration. The PAC source is
// not required here; commands that need one check for it.
func (c *Config) Validate() error {
	switch strings.ToLower(c.PAC.Engine) {
	case "", "goja", "gpac", "otto":
	default:
		return fmt.Errorf("invalid pac.engine %q, must be goja or otto", c.PAC.Engine)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log.format %q, must be json or text", c.Log.Format)
	}
	if c.PAC.FetchTimeout < 0 || c.PAC.RefreshInterval < 0 || c.PAC.ExecTimeout < 0 {
		return errors.New("pac timeouts and intervals cannot be negative")
	}
	if c.Proxy.DialTimeout <= 0 {
		return errors.New("proxy.dial_timeout must be positive")
	}
	if c.Server.Listen == "" {
		return errors.New("server.listen must be specified")
	}
	return nil
}

// TLSConfig returns the baseline TLS configuration for upstream sessions,
// or nil when nothing overrides the defaults.
func (c *Config) TLSConfig() *tls.Config {
	if !c.Proxy.TLSInsecureSkipVerify && c.Proxy.TLSServerName == "" {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.Proxy.TLSInsecureSkipVerify,
		ServerName:         c.Proxy.TLSServerName,
	}
}

// ProxyHeader returns headers to send to HTTP(S) proxies.
func (c *Config) ProxyHeader() http.Header {
	if c.Proxy.Authorization == "" {
		return nil
	}
	return http.Header{"Proxy-Authorization": []string{c.Proxy.Authorization}}
}
