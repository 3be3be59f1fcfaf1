package streamgauge

import "github.com/jpalmerr/streamgauge/config"

// Status represents the flood classification of a gauge.
//
// Status is a string type that can hold one of six predefined values.
// Using a string type allows for easy JSON serialization and
// human-readable logging while maintaining type safety through the
// defined constants.
type Status string

const (
	// StatusNormal indicates the stage is below every configured
	// threshold, or that the gauge has no thresholds configured.
	StatusNormal Status = "normal"

	// StatusAction indicates the stage has reached the action level:
	// not yet flooding, but worth watching.
	StatusAction Status = "action"

	// StatusMinorFlood indicates minor flooding.
	StatusMinorFlood Status = "minor-flood"

	// StatusModerateFlood indicates moderate flooding.
	StatusModerateFlood Status = "moderate-flood"

	// StatusMajorFlood indicates major flooding.
	StatusMajorFlood Status = "major-flood"

	// StatusUnknown indicates the gauge has no stage reading yet.
	StatusUnknown Status = "unknown"
)

// String returns the string representation of the status.
// This implements the fmt.Stringer interface.
func (s Status) String() string {
	return string(s)
}

// Classify maps a gauge height onto the configured flood thresholds.
//
// The highest threshold at or below the stage wins. A nil stage yields
// [StatusUnknown]; nil thresholds (or none reached) yield
// [StatusNormal]. Unset individual levels are simply skipped, matching
// gauges for which the NWS publishes only some stages.
func Classify(th *config.Thresholds, stage *float64) Status {
	if stage == nil {
		return StatusUnknown
	}
	if th == nil {
		return StatusNormal
	}

	status := StatusNormal
	levels := []struct {
		value  *float64
		status Status
	}{
		{th.Action, StatusAction},
		{th.Minor, StatusMinorFlood},
		{th.Moderate, StatusModerateFlood},
		{th.Major, StatusMajorFlood},
	}
	for _, l := range levels {
		if l.value != nil && *stage >= *l.value {
			status = l.status
		}
	}
	return status
}
