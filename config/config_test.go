package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jpalmerr/streamgauge/internal/arbiter"
)

func TestParse_MinimalConfig(t *testing.T) {
	yaml := `
sites:
  - id: middle-fork
    site_no: "14359000"
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// check defaults applied
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.StateFile != "streamgauge-state.json" {
		t.Errorf("StateFile = %q, want streamgauge-state.json", cfg.StateFile)
	}
	if cfg.Backend != "blended" {
		t.Errorf("Backend = %q, want blended", cfg.Backend)
	}
	if cfg.BackfillPeriod.Duration() != 6*time.Hour {
		t.Errorf("BackfillPeriod = %v, want 6h", cfg.BackfillPeriod.Duration())
	}
	if len(cfg.Sites) != 1 {
		t.Errorf("len(Sites) = %d, want 1", len(cfg.Sites))
	}
}

func TestParse_FullConfig(t *testing.T) {
	yaml := `
port: 9090
state_file: /var/lib/streamgauge/state.json
backend: waterservices
backfill_period: 12h

sites:
  - id: middle-fork
    site_no: "14359000"
    thresholds:
      action: 12.0
      minor: 15.0
      moderate: 18.0
      major: 21.0
  - id: rogue-raygold
    site_no: "14361500"

tuning:
  cadence:
    base_grid: 30m
    ewma_alpha: 0.5
    history_limit: 60
  schedule:
    min_retry: 2m
    coarse_fraction: 0.25
  arbiter:
    confidence_samples: 40
    probe_interval: 12h
  fetch:
    latest_timeout: 3s
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.StateFile != "/var/lib/streamgauge/state.json" {
		t.Errorf("StateFile = %q", cfg.StateFile)
	}
	if cfg.Backend != "waterservices" {
		t.Errorf("Backend = %q, want waterservices", cfg.Backend)
	}

	if len(cfg.Sites) != 2 {
		t.Fatalf("len(Sites) = %d, want 2", len(cfg.Sites))
	}
	th := cfg.Sites[0].Thresholds
	if th == nil {
		t.Fatal("Sites[0].Thresholds = nil, want set")
	}
	if th.Action == nil || *th.Action != 12.0 {
		t.Errorf("Thresholds.Action = %v, want 12.0", th.Action)
	}
	if th.Major == nil || *th.Major != 21.0 {
		t.Errorf("Thresholds.Major = %v, want 21.0", th.Major)
	}
	if cfg.Sites[1].Thresholds != nil {
		t.Errorf("Sites[1].Thresholds = %+v, want nil", cfg.Sites[1].Thresholds)
	}
}

func TestParse_TuningOverridesApply(t *testing.T) {
	yaml := `
sites:
  - id: gauge
    site_no: "14359000"

tuning:
  cadence:
    base_grid: 30m
    fit_threshold: 0.7
    history_limit: 60
    biweight_max_iters: 10
  schedule:
    min_retry: 2m
    coarse_fraction: 0.25
  arbiter:
    confidence_samples: 40
  fetch:
    latest_timeout: 3s
    history_timeout: 20s
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tp := cfg.TrackParams()
	if tp.BaseGrid != 30*time.Minute {
		t.Errorf("TrackParams().BaseGrid = %v, want 30m", tp.BaseGrid)
	}
	if tp.FitThreshold != 0.7 {
		t.Errorf("TrackParams().FitThreshold = %v, want 0.7", tp.FitThreshold)
	}
	if tp.HistoryLimit != 60 {
		t.Errorf("TrackParams().HistoryLimit = %d, want 60", tp.HistoryLimit)
	}
	if tp.Biweight.MaxIters != 10 {
		t.Errorf("TrackParams().Biweight.MaxIters = %d, want 10", tp.Biweight.MaxIters)
	}
	// untouched fields keep defaults
	if tp.ClearThreshold != 0.45 {
		t.Errorf("TrackParams().ClearThreshold = %v, want default 0.45", tp.ClearThreshold)
	}

	sp := cfg.ScheduleParams()
	if sp.MinRetry != 2*time.Minute {
		t.Errorf("ScheduleParams().MinRetry = %v, want 2m", sp.MinRetry)
	}
	if sp.CoarseFraction != 0.25 {
		t.Errorf("ScheduleParams().CoarseFraction = %v, want 0.25", sp.CoarseFraction)
	}
	if sp.MaxRetry != 6*time.Hour {
		t.Errorf("ScheduleParams().MaxRetry = %v, want default 6h", sp.MaxRetry)
	}

	ap := cfg.ArbiterParams()
	if ap.ConfidenceSamples != 40 {
		t.Errorf("ArbiterParams().ConfidenceSamples = %d, want 40", ap.ConfidenceSamples)
	}
	if ap.ProbeInterval != 24*time.Hour {
		t.Errorf("ArbiterParams().ProbeInterval = %v, want default 24h", ap.ProbeInterval)
	}

	ac := cfg.AdapterConfig()
	if ac.LatestTimeout != 3*time.Second {
		t.Errorf("AdapterConfig().LatestTimeout = %v, want 3s", ac.LatestTimeout)
	}
	if ac.HistoryTimeout != 20*time.Second {
		t.Errorf("AdapterConfig().HistoryTimeout = %v, want 20s", ac.HistoryTimeout)
	}
}

func TestParse_ForceBackend(t *testing.T) {
	yaml := `
backend: ogcapi
sites:
  - id: gauge
    site_no: "14359000"
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := cfg.ForceBackend(); got != arbiter.OGC {
		t.Errorf("ForceBackend() = %v, want %v", got, arbiter.OGC)
	}
	if got := cfg.AdapterConfig().ForceBackend; got != arbiter.OGC {
		t.Errorf("AdapterConfig().ForceBackend = %v, want %v", got, arbiter.OGC)
	}
}

func TestParse_SiteMap(t *testing.T) {
	yaml := `
sites:
  - id: middle-fork
    site_no: "14359000"
  - id: rogue-raygold
    site_no: "14361500"
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	m := cfg.SiteMap()
	if len(m) != 2 {
		t.Fatalf("len(SiteMap()) = %d, want 2", len(m))
	}
	if m["middle-fork"] != "14359000" {
		t.Errorf("SiteMap()[middle-fork] = %q, want 14359000", m["middle-fork"])
	}
	if m["rogue-raygold"] != "14361500" {
		t.Errorf("SiteMap()[rogue-raygold] = %q, want 14361500", m["rogue-raygold"])
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no sites",
			yaml:    `port: 8080`,
			wantErr: "at least one site",
		},
		{
			name: "missing id",
			yaml: `
sites:
  - site_no: "14359000"
`,
			wantErr: "id is required",
		},
		{
			name: "missing site_no",
			yaml: `
sites:
  - id: gauge
`,
			wantErr: "site_no is required",
		},
		{
			name: "non-numeric site_no",
			yaml: `
sites:
  - id: gauge
    site_no: rogue
`,
			wantErr: "site_no must be a USGS site number",
		},
		{
			name: "duplicate id",
			yaml: `
sites:
  - id: gauge
    site_no: "14359000"
  - id: gauge
    site_no: "14361500"
`,
			wantErr: "duplicate id",
		},
		{
			name: "duplicate site_no",
			yaml: `
sites:
  - id: one
    site_no: "14359000"
  - id: two
    site_no: "14359000"
`,
			wantErr: "duplicate site_no",
		},
		{
			name: "unknown backend",
			yaml: `
backend: dwml
sites:
  - id: gauge
    site_no: "14359000"
`,
			wantErr: "unknown backend",
		},
		{
			name: "thresholds out of order",
			yaml: `
sites:
  - id: gauge
    site_no: "14359000"
    thresholds:
      action: 15.0
      minor: 12.0
`,
			wantErr: "minor (12) must be above action (15)",
		},
		{
			name: "min_retry too aggressive",
			yaml: `
sites:
  - id: gauge
    site_no: "14359000"
tuning:
  schedule:
    min_retry: 1s
`,
			wantErr: "min_retry must be at least",
		},
		{
			name: "clear above fit",
			yaml: `
sites:
  - id: gauge
    site_no: "14359000"
tuning:
  cadence:
    fit_threshold: 0.5
    clear_threshold: 0.6
`,
			wantErr: "clear_threshold must be below fit_threshold",
		},
		{
			name: "alpha out of range",
			yaml: `
sites:
  - id: gauge
    site_no: "14359000"
tuning:
  cadence:
    ewma_alpha: 1.5
`,
			wantErr: "ewma_alpha must be within (0, 1]",
		},
		{
			name: "invalid duration",
			yaml: `
backfill_period: soon
sites:
  - id: gauge
    site_no: "14359000"
`,
			wantErr: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %q, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_ThresholdGapsAllowed(t *testing.T) {
	// only some stages published for a gauge
	yaml := `
sites:
  - id: gauge
    site_no: "14359000"
    thresholds:
      minor: 12.0
      major: 18.0
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	th := cfg.Sites[0].Thresholds
	if th.Action != nil {
		t.Errorf("Thresholds.Action = %v, want nil", th.Action)
	}
	if th.Minor == nil || *th.Minor != 12.0 {
		t.Errorf("Thresholds.Minor = %v, want 12.0", th.Minor)
	}
}

func TestExpandEnvVars_StateFile(t *testing.T) {
	t.Setenv("STREAMGAUGE_DATA", "/srv/gauge")

	yaml := `
state_file: ${STREAMGAUGE_DATA}/state.json
sites:
  - id: gauge
    site_no: "14359000"
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.StateFile != "/srv/gauge/state.json" {
		t.Errorf("StateFile = %q, want /srv/gauge/state.json", cfg.StateFile)
	}
}

func TestExpandEnvVars_Default(t *testing.T) {
	os.Unsetenv("STREAMGAUGE_SITE")

	yaml := `
sites:
  - id: gauge
    site_no: ${STREAMGAUGE_SITE:-14359000}
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Sites[0].SiteNo != "14359000" {
		t.Errorf("SiteNo = %q, want fallback 14359000", cfg.Sites[0].SiteNo)
	}
}

func TestExpandEnvVars_MissingNoDefault(t *testing.T) {
	os.Unsetenv("STREAMGAUGE_SITE")

	yaml := `
sites:
  - id: gauge
    site_no: ${STREAMGAUGE_SITE}
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("Parse() error = nil, want error for unset variable")
	}
	if !strings.Contains(err.Error(), "STREAMGAUGE_SITE") {
		t.Errorf("Parse() error = %q, want it to name the variable", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streamgauge.yaml")
	content := `
port: 7070
sites:
  - id: gauge
    site_no: "14359000"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Load() error = %q", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("sites: [unclosed"))
	if err == nil {
		t.Fatal("Parse() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "failed to parse YAML") {
		t.Errorf("Parse() error = %q", err)
	}
}
