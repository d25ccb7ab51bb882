package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8780" {
		t.Errorf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Shell.Version != 1 {
		t.Errorf("shell version = %d", cfg.Shell.Version)
	}
	if cfg.Shell.OfflinePath != "/offline" {
		t.Errorf("offline_path = %q", cfg.Shell.OfflinePath)
	}
	if cfg.Routes.APIPrefix != "/api/" {
		t.Errorf("api_prefix = %q", cfg.Routes.APIPrefix)
	}
	if cfg.Replay.Concurrency != 4 {
		t.Errorf("concurrency = %d", cfg.Replay.Concurrency)
	}
	if cfg.Replay.MaxAttempts != 0 {
		t.Errorf("max_attempts = %d, want 0 (retry forever)", cfg.Replay.MaxAttempts)
	}
}

func TestLoadFrom_ReadsYAML(t *testing.T) {
	home := t.TempDir()
	doc := `
upstream_url: https://api.decooffice.test
bind_addr: 127.0.0.1:9000
shell:
  version: 3
  manifest: ["/", "/offline", "/static/js/app.js"]
  offline_path: /offline
routes:
  api_prefix: /api/
  entity_lists: ["/api/transactions/"]
replay:
  max_attempts: 5
  concurrency: 2
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpstreamURL != "https://api.decooffice.test" {
		t.Errorf("upstream_url = %q", cfg.UpstreamURL)
	}
	if cfg.Shell.Version != 3 {
		t.Errorf("shell version = %d", cfg.Shell.Version)
	}
	if cfg.Replay.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d", cfg.Replay.MaxAttempts)
	}
}

func TestLoadFrom_RejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"relative upstream": "upstream_url: not-a-url\n",
		"bad log level":     "log_level: loud\n",
		"bad manifest entry": `
shell:
  version: 1
  manifest: ["no-leading-slash"]
  offline_path: /offline
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(doc), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := LoadFrom(home); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadFrom_OfflinePathForcedIntoManifest(t *testing.T) {
	home := t.TempDir()
	doc := `
shell:
  version: 2
  manifest: ["/", "/static/js/app.js"]
  offline_path: /offline
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !contains(cfg.Shell.Manifest, "/offline") {
		t.Fatalf("manifest %v missing offline path", cfg.Shell.Manifest)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYNCBOX_UPSTREAM_URL", "http://10.0.0.9:5000")
	t.Setenv("SYNCBOX_MAX_ATTEMPTS", "7")
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpstreamURL != "http://10.0.0.9:5000" {
		t.Errorf("upstream_url = %q", cfg.UpstreamURL)
	}
	if cfg.Replay.MaxAttempts != 7 {
		t.Errorf("max_attempts = %d", cfg.Replay.MaxAttempts)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs produced different fingerprints")
	}
	b.Shell.Version = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint did not change with config")
	}
}

func TestWatcher_EmitsOnWrite(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed early")
		}
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("event path = %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}
