// Package config provides YAML configuration parsing for StreamGauge.
//
// This package enables running StreamGauge as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	port: 8080
//	state_file: ${HOME}/.streamgauge/state.json
//
//	sites:
//	  - id: middle-fork
//	    site_no: "14359000"
//	    thresholds:
//	      action: 12.0
//	      minor: 15.0
//	      moderate: 18.0
//	      major: 21.0
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/streamgauge/internal/arbiter"
	"github.com/jpalmerr/streamgauge/internal/schedule"
	"github.com/jpalmerr/streamgauge/internal/track"
	"github.com/jpalmerr/streamgauge/internal/usgs"
)

// minRetryFloor is the minimum allowed poll retry interval for production
// configs. This prevents accidental DoS of the USGS APIs with overly
// aggressive polling.
const minRetryFloor = 15 * time.Second

// Config is the root configuration structure for StreamGauge.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Port is the HTTP status server port. Defaults to 8080.
	Port int `yaml:"port"`

	// StateFile is the path of the persisted learned-state file.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	// Defaults to "streamgauge-state.json" in the working directory.
	StateFile string `yaml:"state_file"`

	// Backend pins polling to a single upstream API: "waterservices",
	// "ogcapi", or "blended". Defaults to blended, which lets the
	// arbiter decide per cycle.
	Backend string `yaml:"backend"`

	// BackfillPeriod is how much history to request at startup to warm
	// the cadence learner. Defaults to 6h; zero disables backfill.
	BackfillPeriod Duration `yaml:"backfill_period"`

	// Sites defines the river gauges to track.
	Sites []SiteConfig `yaml:"sites"`

	// Tuning overrides individual learner, scheduler, arbiter, and
	// fetch constants. Unset fields keep their production defaults.
	Tuning TuningConfig `yaml:"tuning"`
}

// SiteConfig defines a single tracked gauge.
type SiteConfig struct {
	// ID is the stable identifier used in logs, state, and the API.
	ID string `yaml:"id"`

	// SiteNo is the USGS site number, e.g. "14359000".
	// Supports environment variable substitution.
	SiteNo string `yaml:"site_no"`

	// Thresholds are the NWS flood-stage thresholds in feet, used to
	// classify the gauge height. Optional; a site without thresholds
	// always reports a normal status.
	Thresholds *Thresholds `yaml:"thresholds"`
}

// Thresholds holds the flood-stage boundaries for one gauge, in the same
// units as the gauge height reading (feet). Any subset may be set, but
// the set values must be strictly increasing.
type Thresholds struct {
	Action   *float64 `yaml:"action"`
	Minor    *float64 `yaml:"minor"`
	Moderate *float64 `yaml:"moderate"`
	Major    *float64 `yaml:"major"`
}

// TuningConfig groups the optional tuning overrides.
type TuningConfig struct {
	Cadence  CadenceConfig  `yaml:"cadence"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Arbiter  ArbiterConfig  `yaml:"arbiter"`
	Fetch    FetchConfig    `yaml:"fetch"`
}

// CadenceConfig overrides the update engine and learner constants.
// Zero values keep the defaults from track.DefaultParams.
type CadenceConfig struct {
	BaseGrid          Duration `yaml:"base_grid"`
	SnapTolerance     Duration `yaml:"snap_tolerance"`
	FitThreshold      float64  `yaml:"fit_threshold"`
	ClearThreshold    float64  `yaml:"clear_threshold"`
	EWMAAlpha         float64  `yaml:"ewma_alpha"`
	HistoryLimit      int      `yaml:"history_limit"`
	MinGap            Duration `yaml:"min_gap"`
	MaxLearnable      Duration `yaml:"max_learnable"`
	DefaultInterval   Duration `yaml:"default_interval"`
	LatencyPriorLoc   Duration `yaml:"latency_prior_loc"`
	LatencyPriorScale Duration `yaml:"latency_prior_scale"`
	BiweightLocC      float64  `yaml:"biweight_loc_c"`
	BiweightScaleC    float64  `yaml:"biweight_scale_c"`
	BiweightMaxIters  int      `yaml:"biweight_max_iters"`
}

// ScheduleConfig overrides the poll scheduler constants.
// Zero values keep the defaults from schedule.DefaultParams.
type ScheduleConfig struct {
	MinRetry        Duration `yaml:"min_retry"`
	MaxRetry        Duration `yaml:"max_retry"`
	Headstart       Duration `yaml:"headstart"`
	FineLatencyMax  Duration `yaml:"fine_latency_max"`
	FineIntervalMax Duration `yaml:"fine_interval_max"`
	FineWindowMin   Duration `yaml:"fine_window_min"`
	FineStepMin     Duration `yaml:"fine_step_min"`
	FineStepMax     Duration `yaml:"fine_step_max"`
	CoarseFraction  float64  `yaml:"coarse_fraction"`
	ReducedFetchMin Duration `yaml:"reduced_fetch_min"`
}

// ArbiterConfig overrides the backend arbiter constants.
// Zero values keep the defaults from arbiter.DefaultParams.
type ArbiterConfig struct {
	LatencyAlpha      float64  `yaml:"latency_alpha"`
	VarianceAlpha     float64  `yaml:"variance_alpha"`
	SwitchHysteresis  float64  `yaml:"switch_hysteresis"`
	VarianceMargin    float64  `yaml:"variance_margin"`
	ConfidenceSamples int      `yaml:"confidence_samples"`
	FailRateHigh      float64  `yaml:"fail_rate_high"`
	FailRateLow       float64  `yaml:"fail_rate_low"`
	ProbeInterval     Duration `yaml:"probe_interval"`
}

// FetchConfig overrides the per-request fetch budgets and the upstream
// base URLs. The URL overrides exist for tests and mock servers; empty
// values use the production USGS endpoints.
type FetchConfig struct {
	LatestTimeout  Duration `yaml:"latest_timeout"`
	HistoryTimeout Duration `yaml:"history_timeout"`

	WaterServicesURL string `yaml:"waterservices_url"`
	OGCLatestURL     string `yaml:"ogc_latest_url"`
	OGCContinuousURL string `yaml:"ogc_continuous_url"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		// submatches[2] is ":-..." (non-empty if default syntax was used)
		// submatches[3] is the actual default value (may be empty for ${VAR:-})
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before use.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in StateFile and site numbers.
// Defaults are applied for Port (8080), StateFile, Backend (blended),
// and BackfillPeriod (6h).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.StateFile == "" {
		cfg.StateFile = "streamgauge-state.json"
	}
	if cfg.Backend == "" {
		cfg.Backend = arbiter.Blended.String()
	}
	if cfg.BackfillPeriod == 0 {
		cfg.BackfillPeriod = Duration(6 * time.Hour)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	expanded, err := expandEnvVars(c.StateFile)
	if err != nil {
		return fmt.Errorf("state_file: %w", err)
	}
	c.StateFile = expanded

	if _, err := arbiter.ParseBackend(c.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one site is required")
	}

	seenID := make(map[string]struct{}, len(c.Sites))
	seenNo := make(map[string]struct{}, len(c.Sites))
	for i := range c.Sites {
		s := &c.Sites[i]

		if s.ID == "" {
			return fmt.Errorf("sites[%d]: id is required", i)
		}
		if _, dup := seenID[s.ID]; dup {
			return fmt.Errorf("sites[%d]: duplicate id %q", i, s.ID)
		}
		seenID[s.ID] = struct{}{}

		if s.SiteNo == "" {
			return fmt.Errorf("sites[%d] (%s): site_no is required", i, s.ID)
		}
		expanded, err := expandEnvVars(s.SiteNo)
		if err != nil {
			return fmt.Errorf("sites[%d] (%s): site_no: %w", i, s.ID, err)
		}
		s.SiteNo = expanded

		if _, err := strconv.ParseUint(s.SiteNo, 10, 64); err != nil {
			return fmt.Errorf("sites[%d] (%s): site_no must be a USGS site number, got %q", i, s.ID, s.SiteNo)
		}
		if _, dup := seenNo[s.SiteNo]; dup {
			return fmt.Errorf("sites[%d] (%s): duplicate site_no %q", i, s.ID, s.SiteNo)
		}
		seenNo[s.SiteNo] = struct{}{}

		if s.Thresholds != nil {
			if err := validateThresholds(s.Thresholds); err != nil {
				return fmt.Errorf("sites[%d] (%s): thresholds: %w", i, s.ID, err)
			}
		}
	}

	t := &c.Tuning
	for _, u := range []*string{&t.Fetch.WaterServicesURL, &t.Fetch.OGCLatestURL, &t.Fetch.OGCContinuousURL} {
		expanded, err := expandEnvVars(*u)
		if err != nil {
			return fmt.Errorf("tuning.fetch: %w", err)
		}
		*u = expanded
	}
	if v := t.Schedule.MinRetry.Duration(); v != 0 && v < minRetryFloor {
		return fmt.Errorf("tuning.schedule.min_retry must be at least %s, got %s", minRetryFloor, v)
	}
	if err := validateFraction("tuning.cadence.fit_threshold", t.Cadence.FitThreshold); err != nil {
		return err
	}
	if err := validateFraction("tuning.cadence.clear_threshold", t.Cadence.ClearThreshold); err != nil {
		return err
	}
	if t.Cadence.FitThreshold != 0 && t.Cadence.ClearThreshold != 0 &&
		t.Cadence.ClearThreshold >= t.Cadence.FitThreshold {
		return fmt.Errorf("tuning.cadence.clear_threshold must be below fit_threshold, got %v >= %v",
			t.Cadence.ClearThreshold, t.Cadence.FitThreshold)
	}
	if err := validateFraction("tuning.cadence.ewma_alpha", t.Cadence.EWMAAlpha); err != nil {
		return err
	}
	if err := validateFraction("tuning.schedule.coarse_fraction", t.Schedule.CoarseFraction); err != nil {
		return err
	}
	if err := validateFraction("tuning.arbiter.latency_alpha", t.Arbiter.LatencyAlpha); err != nil {
		return err
	}
	if err := validateFraction("tuning.arbiter.variance_alpha", t.Arbiter.VarianceAlpha); err != nil {
		return err
	}
	if t.Cadence.HistoryLimit < 0 {
		return fmt.Errorf("tuning.cadence.history_limit cannot be negative, got %d", t.Cadence.HistoryLimit)
	}
	if t.Arbiter.ConfidenceSamples < 0 {
		return fmt.Errorf("tuning.arbiter.confidence_samples cannot be negative, got %d", t.Arbiter.ConfidenceSamples)
	}

	return nil
}

// validateThresholds checks that the set flood stages are strictly
// increasing in severity order.
func validateThresholds(t *Thresholds) error {
	levels := []struct {
		name  string
		value *float64
	}{
		{"action", t.Action},
		{"minor", t.Minor},
		{"moderate", t.Moderate},
		{"major", t.Major},
	}

	var prevName string
	var prev *float64
	for _, l := range levels {
		if l.value == nil {
			continue
		}
		if prev != nil && *l.value <= *prev {
			return fmt.Errorf("%s (%v) must be above %s (%v)", l.name, *l.value, prevName, *prev)
		}
		prevName, prev = l.name, l.value
	}
	return nil
}

// validateFraction rejects tuning fractions outside (0, 1]. Zero means
// "use the default" and is always allowed.
func validateFraction(name string, v float64) error {
	if v == 0 {
		return nil
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be within (0, 1], got %v", name, v)
	}
	return nil
}

// SiteMap returns the id to site number mapping for the tracker registry.
func (c *Config) SiteMap() map[string]string {
	m := make(map[string]string, len(c.Sites))
	for _, s := range c.Sites {
		m[s.ID] = s.SiteNo
	}
	return m
}

// ForceBackend returns the configured backend pin. Parse has already
// validated the string, so this never fails on a parsed config.
func (c *Config) ForceBackend() arbiter.Backend {
	b, err := arbiter.ParseBackend(c.Backend)
	if err != nil {
		return arbiter.Blended
	}
	return b
}

// TrackParams builds the update-engine tuning, applying overrides from
// the tuning.cadence section on top of the production defaults.
func (c *Config) TrackParams() track.Params {
	p := track.DefaultParams()
	o := c.Tuning.Cadence
	setDur(&p.BaseGrid, o.BaseGrid)
	setDur(&p.SnapTolerance, o.SnapTolerance)
	setFloat(&p.FitThreshold, o.FitThreshold)
	setFloat(&p.ClearThreshold, o.ClearThreshold)
	setFloat(&p.EWMAAlpha, o.EWMAAlpha)
	setInt(&p.HistoryLimit, o.HistoryLimit)
	setDur(&p.MinGap, o.MinGap)
	setDur(&p.MaxLearnable, o.MaxLearnable)
	setDur(&p.DefaultInterval, o.DefaultInterval)
	setDur(&p.LatencyPriorLoc, o.LatencyPriorLoc)
	setDur(&p.LatencyPriorScale, o.LatencyPriorScale)
	setFloat(&p.Biweight.LocC, o.BiweightLocC)
	setFloat(&p.Biweight.ScaleC, o.BiweightScaleC)
	setInt(&p.Biweight.MaxIters, o.BiweightMaxIters)
	return p
}

// ScheduleParams builds the scheduler tuning, applying overrides from
// the tuning.schedule section on top of the production defaults.
func (c *Config) ScheduleParams() schedule.Params {
	p := schedule.DefaultParams()
	o := c.Tuning.Schedule
	setDur(&p.MinRetry, o.MinRetry)
	setDur(&p.MaxRetry, o.MaxRetry)
	setDur(&p.Headstart, o.Headstart)
	setDur(&p.FineLatencyMax, o.FineLatencyMax)
	setDur(&p.FineIntervalMax, o.FineIntervalMax)
	setDur(&p.FineWindowMin, o.FineWindowMin)
	setDur(&p.FineStepMin, o.FineStepMin)
	setDur(&p.FineStepMax, o.FineStepMax)
	setFloat(&p.CoarseFraction, o.CoarseFraction)
	setDur(&p.ReducedFetchMin, o.ReducedFetchMin)

	// the scheduler's fallback must match what the learners assume
	p.DefaultInterval = c.TrackParams().DefaultInterval
	return p
}

// ArbiterParams builds the arbiter tuning, applying overrides from the
// tuning.arbiter section on top of the production defaults.
func (c *Config) ArbiterParams() arbiter.Params {
	p := arbiter.DefaultParams()
	o := c.Tuning.Arbiter
	setFloat(&p.LatencyAlpha, o.LatencyAlpha)
	setFloat(&p.VarianceAlpha, o.VarianceAlpha)
	setFloat(&p.SwitchHysteresis, o.SwitchHysteresis)
	setFloat(&p.VarianceMargin, o.VarianceMargin)
	setInt(&p.ConfidenceSamples, o.ConfidenceSamples)
	setFloat(&p.FailRateHigh, o.FailRateHigh)
	setFloat(&p.FailRateLow, o.FailRateLow)
	setDur(&p.ProbeInterval, o.ProbeInterval)
	return p
}

// AdapterConfig builds the fetch budgets plus the backend pin.
func (c *Config) AdapterConfig() usgs.AdapterConfig {
	cfg := usgs.DefaultAdapterConfig()
	o := c.Tuning.Fetch
	setDur(&cfg.LatestTimeout, o.LatestTimeout)
	setDur(&cfg.HistoryTimeout, o.HistoryTimeout)
	cfg.ForceBackend = c.ForceBackend()
	return cfg
}

func setDur(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = v.Duration()
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
