package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.RetryPolicy().MaxAttempts != 3 || cfg.RetryPolicy().BaseDelay != 2*time.Second {
		t.Errorf("retry policy = %+v", cfg.RetryPolicy())
	}
	if cfg.Discovery.Group != "239.255.77.77" || cfg.Discovery.Port != 5007 {
		t.Errorf("discovery = %+v", cfg.Discovery)
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenPort != Default().ListenPort {
		t.Errorf("ListenPort = %d", cfg.ListenPort)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
machine_name: studio
listen_port: 6000
transport: quic
retry:
  max_attempts: 5
  base_delay: 500ms
discovery:
  ip_filter: "10.0.0."
  ttl: 10s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MachineName != "studio" || cfg.ListenPort != 6000 || cfg.Transport != "quic" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Discovery.TTL != 10*time.Second || cfg.Discovery.Interval != time.Second {
		t.Errorf("discovery = %+v", cfg.Discovery)
	}
	dc := cfg.DiscoveryConfig()
	if dc.IPFilter != "10.0.0." || dc.ReceivePort != 6000 || dc.MachineName != "studio" {
		t.Errorf("DiscoveryConfig = %+v", dc)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("listen_port: [nope"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = 0
	cfg.Transport = "carrier-pigeon"
	cfg.Retry.MaxAttempts = 0
	cfg.Discovery.Group = "10.0.0.1"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if got := len(multierr.Errors(err)); got != 5 {
		t.Fatalf("got %d errors, want 5: %v", got, err)
	}
	for _, want := range []string{"listen_port", "transport", "max_attempts", "multicast", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
