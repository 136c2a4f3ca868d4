package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
logging:
  level: debug
  console: true
storage:
  path: /tmp/pbots-test.db
smtp:
  host: smtp.example.com
  port: "465"
  tls: true
  from: pbots@example.com
sources:
  - id: 1
    name: comune-a
    command: "phantomjs scrapers/comune_a.js --lang it"
    timeout: 2m
    schedule: "0 8 * * *"
    recipients:
      - name: Anna
        email: anna@example.com
  - id: 2
    name: bur-umbria
    command: python3 scrapers/bur.py
    transform: drop_url
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(cfg.Sources))
	}
	if cfg.Logging.Level != "debug" || !cfg.SMTP.TLS {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, validYAML+"\nmystery: true\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantSub string
	}{
		{
			name:    "missing storage path",
			mutate:  func(c *Config) { c.Storage.Path = "" },
			wantSub: "storage.path",
		},
		{
			name:    "no sources",
			mutate:  func(c *Config) { c.Sources = nil },
			wantSub: "at least one source",
		},
		{
			name:    "duplicate id",
			mutate:  func(c *Config) { c.Sources[1].ID = c.Sources[0].ID },
			wantSub: "duplicate source id",
		},
		{
			name:    "non-positive id",
			mutate:  func(c *Config) { c.Sources[0].ID = 0 },
			wantSub: "id must be positive",
		},
		{
			name:    "missing command",
			mutate:  func(c *Config) { c.Sources[0].Command = "  " },
			wantSub: "command is required",
		},
		{
			name:    "unbalanced quotes",
			mutate:  func(c *Config) { c.Sources[0].Command = `phantomjs "broken` },
			wantSub: "invalid command",
		},
		{
			name:    "unknown transform",
			mutate:  func(c *Config) { c.Sources[0].Transform = "shuffle" },
			wantSub: "unknown transform",
		},
		{
			name:    "bad recipient",
			mutate:  func(c *Config) { c.Sources[0].Recipients[0].Email = "not-an-email" },
			wantSub: "invalid email",
		},
		{
			name:    "bad sender",
			mutate:  func(c *Config) { c.SMTP.From = "broken@@" },
			wantSub: "smtp.from",
		},
		{
			name:    "bad timeout",
			mutate:  func(c *Config) { c.Sources[0].Timeout = "soon" },
			wantSub: "timeout",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, validYAML))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestScraperSpecs(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	specs, err := cfg.ScraperSpecs()
	if err != nil {
		t.Fatalf("ScraperSpecs: %v", err)
	}

	spec := specs[1]
	want := []string{"phantomjs", "scrapers/comune_a.js", "--lang", "it"}
	if len(spec.Argv) != len(want) {
		t.Fatalf("argv = %v, want %v", spec.Argv, want)
	}
	for i := range want {
		if spec.Argv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", spec.Argv, want)
		}
	}
	if spec.Timeout != 2*time.Minute {
		t.Fatalf("timeout = %v, want 2m", spec.Timeout)
	}
	if spec.Transform != nil {
		t.Fatal("source 1 has no transform")
	}
	if specs[2].Transform == nil {
		t.Fatal("source 2 transform not resolved")
	}
}

func TestSeedsAndSchedules(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	seeds := cfg.SourceSeeds()
	if len(seeds) != 2 || seeds[0].ID != 1 || seeds[0].Name != "comune-a" {
		t.Fatalf("unexpected seeds: %+v", seeds)
	}

	recips := cfg.RecipientSeeds()
	if len(recips) != 1 || recips[0].SourceID != 1 || recips[0].Email != "anna@example.com" {
		t.Fatalf("unexpected recipient seeds: %+v", recips)
	}

	scheds := cfg.Schedules()
	if len(scheds) != 1 || scheds[0].SourceID != 1 || scheds[0].Spec != "0 8 * * *" {
		t.Fatalf("unexpected schedules: %+v", scheds)
	}
}
