package metrics_test

import (
	"strings"
	"testing"

	"github.com/goodtune/pac-agent/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	// Fresh registry so the default one is not polluted.
	reg := prometheus.NewRegistry()
	metrics.RegisterOn(reg)

	// Gather only returns observed series; Describe covers everything.
	expected := map[string]bool{
		"pac_agent_requests_total":           false,
		"pac_agent_request_duration_seconds": false,
		"pac_agent_bytes_sent_total":         false,
		"pac_agent_bytes_received_total":     false,
		"pac_agent_active_connections":       false,
		"pac_agent_pac_fetch_total":          false,
		"pac_agent_pac_reload_total":         false,
		"pac_agent_resolutions_total":        false,
		"pac_agent_upstream_errors_total":    false,
	}

	ch := make(chan *prometheus.Desc, 32)
	go func() {
		for _, c := range metrics.All() {
			c.Describe(ch)
		}
		close(ch)
	}()

	for desc := range ch {
		name := desc.String()
		for eName := range expected {
			if strings.Contains(name, `"`+eName+`"`) {
				expected[eName] = true
			}
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestLintClean(t *testing.T) {
	for _, c := range metrics.All() {
		problems, err := testutil.CollectAndLint(c)
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range problems {
			t.Errorf("%s: %s", p.Metric, p.Text)
		}
	}
}
