package streamgauge

import (
	"testing"

	"github.com/jpalmerr/streamgauge/config"
)

func fptr(v float64) *float64 { return &v }

func TestClassify(t *testing.T) {
	full := &config.Thresholds{
		Action:   fptr(12),
		Minor:    fptr(15),
		Moderate: fptr(18),
		Major:    fptr(21),
	}
	partial := &config.Thresholds{
		Minor: fptr(15),
		Major: fptr(21),
	}

	tests := []struct {
		name  string
		th    *config.Thresholds
		stage *float64
		want  Status
	}{
		{"no stage yet", full, nil, StatusUnknown},
		{"no stage no thresholds", nil, nil, StatusUnknown},
		{"no thresholds", nil, fptr(30), StatusNormal},
		{"below action", full, fptr(11.9), StatusNormal},
		{"at action", full, fptr(12), StatusAction},
		{"between action and minor", full, fptr(14.5), StatusAction},
		{"at minor", full, fptr(15), StatusMinorFlood},
		{"at moderate", full, fptr(18.2), StatusModerateFlood},
		{"above major", full, fptr(25), StatusMajorFlood},
		{"partial below minor", partial, fptr(14), StatusNormal},
		{"partial at minor", partial, fptr(16), StatusMinorFlood},
		{"partial skips moderate", partial, fptr(20), StatusMinorFlood},
		{"partial at major", partial, fptr(21), StatusMajorFlood},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.th, tt.stage); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	if got := StatusModerateFlood.String(); got != "moderate-flood" {
		t.Errorf("String() = %q, want moderate-flood", got)
	}
}
