package app

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMapDedupWindows(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		raw     string
		success time.Duration
	}{
		{"absent defaults to a week", "", 7 * 24 * time.Hour},
		{"explicit zero disables", "0s", 0},
		{"explicit value wins", "48h", 48 * time.Hour},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			cfg.Queue.Dedup.SuccessWindow = tc.raw
			w, err := mapDedupWindows(cfg)
			if err != nil {
				t.Fatalf("mapDedupWindows: %v", err)
			}
			if w.Success != tc.success {
				t.Fatalf("success = %v, want %v", w.Success, tc.success)
			}
			if w.Pending != 24*time.Hour {
				t.Fatalf("pending = %v, want 24h", w.Pending)
			}
		})
	}

	cfg := &Config{}
	cfg.Queue.Dedup.SuccessWindow = "banana"
	if _, err := mapDedupWindows(cfg); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestNewAppWiresServices(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	body := fmt.Sprintf(`
logging:
  level: error
storage:
  driver: sqlite
  path: %s
queue:
  enabled: false
matrix:
  enabled: false
platforms:
  default:
    max_concurrent: 2
uploader:
  commands:
    douyin: /usr/local/bin/uploader --platform douyin
`, filepath.Join(dir, "jobs.db"))
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })

	if a.Queue() == nil || a.Matrix() == nil {
		t.Fatal("schedulers not wired")
	}
	if got := a.Limits(); len(got) != 0 {
		t.Fatalf("fresh limiter reports usage: %+v", got)
	}
}
