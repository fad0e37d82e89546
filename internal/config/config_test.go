package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/goodtune/pac-agent/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PAC.Engine != config.DefaultEngine {
		t.Errorf("engine: got %q", cfg.PAC.Engine)
	}
	if cfg.PAC.FetchTimeout != config.DefaultFetchTimeout || cfg.PAC.ExecTimeout != config.DefaultExecTimeout {
		t.Errorf("timeouts: got %v / %v", cfg.PAC.FetchTimeout, cfg.PAC.ExecTimeout)
	}
	if cfg.Server.Listen != ":3128" || cfg.Server.Metrics != ":9128" {
		t.Errorf("server: got %+v", cfg.Server)
	}
	if cfg.TLSConfig() != nil || cfg.ProxyHeader() != nil {
		t.Error("expected no TLS or header overrides by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pac-agent.yaml")
	yaml := `
pac:
  source: https://wpad.corp.example/proxy.pac
  engine: otto
  charset: windows-1251
  refresh_interval: 5m
proxy:
  tls_insecure_skip_verify: true
  authorization: Basic Zm9vOmJhcg==
log:
  format: text
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PAC.Source != "https://wpad.corp.example/proxy.pac" || cfg.PAC.Engine != "otto" {
		t.Errorf("pac: got %+v", cfg.PAC)
	}
	if cfg.PAC.RefreshInterval != 5*time.Minute {
		t.Errorf("refresh_interval: got %v", cfg.PAC.RefreshInterval)
	}
	if tc := cfg.TLSConfig(); tc == nil || !tc.InsecureSkipVerify {
		t.Errorf("tls: got %+v", tc)
	}
	if got := cfg.ProxyHeader().Get("Proxy-Authorization"); got != "Basic Zm9vOmJhcg==" {
		t.Errorf("proxy header: got %q", got)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("log format: got %q", cfg.Log.Format)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("PAC_FILE", "/etc/proxy.pac")
	t.Setenv("PAC_AGENT_PAC_EXEC_TIMEOUT", "250ms")
	t.Setenv("PAC_AGENT_SERVER_LISTEN", "127.0.0.1:8080")

	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PAC.Source != "/etc/proxy.pac" {
		t.Errorf("source from PAC_FILE: got %q", cfg.PAC.Source)
	}
	if cfg.PAC.ExecTimeout != 250*time.Millisecond {
		t.Errorf("exec_timeout: got %v", cfg.PAC.ExecTimeout)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("listen: got %q", cfg.Server.Listen)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PAC_AGENT_PAC_SOURCE", "/from/env.pac")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("pac", "", "")
	fs.String("listen", "", "")
	if err := fs.Parse([]string{"--pac", "/from/flag.pac"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load("", fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PAC.Source != "/from/flag.pac" {
		t.Errorf("source: got %q, want the flag value", cfg.PAC.Source)
	}
	if cfg.Server.Listen != config.DefaultListen {
		t.Errorf("unset flag replaced default: got %q", cfg.Server.Listen)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"engine", map[string]string{"PAC_AGENT_PAC_ENGINE": "spidermonkey"}, "pac.engine"},
		{"log format", map[string]string{"PAC_AGENT_LOG_FORMAT": "xml"}, "log.format"},
		{"dial timeout", map[string]string{"PAC_AGENT_PROXY_DIAL_TIMEOUT": "0s"}, "dial_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("", nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Error("expected error for missing config file")
	}
}
