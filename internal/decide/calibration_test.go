package decide

import (
	"testing"
	"time"
)

func TestCalibrationProbability(t *testing.T) {
	t.Parallel()

	table := DefaultCalibration()

	tests := []struct {
		name    string
		elapsed time.Duration
		want    float64
	}{
		{"just after last post", 5 * time.Second, 0.90},
		{"exactly first threshold", 60 * time.Second, 0.90},
		{"between first and second", 90 * time.Second, 0.70},
		{"exactly last threshold", 300 * time.Second, 0.50},
		{"beyond the table", 301 * time.Second, 0},
		{"hours later", 6 * time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := table.Probability(tt.elapsed); got != tt.want {
				t.Fatalf("Probability(%s) = %g, want %g", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestCalibrationValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		table   Calibration
		wantErr bool
	}{
		{"default table", DefaultCalibration(), false},
		{"empty table", Calibration{}, true},
		{"zero threshold", Calibration{{Threshold: 0, Probability: 0.5}}, true},
		{"descending thresholds", Calibration{
			{Threshold: 120 * time.Second, Probability: 0.9},
			{Threshold: 60 * time.Second, Probability: 0.7},
		}, true},
		{"duplicate thresholds", Calibration{
			{Threshold: 60 * time.Second, Probability: 0.9},
			{Threshold: 60 * time.Second, Probability: 0.7},
		}, true},
		{"probability above one", Calibration{{Threshold: time.Minute, Probability: 1.5}}, true},
		{"negative probability", Calibration{{Threshold: time.Minute, Probability: -0.1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.table.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseCalibration(t *testing.T) {
	t.Parallel()

	table, err := ParseCalibration("60=0.9, 120=0.7, 300=0.5")
	if err != nil {
		t.Fatalf("ParseCalibration failed: %v", err)
	}
	if len(table) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(table))
	}
	if table[1].Threshold != 120*time.Second || table[1].Probability != 0.7 {
		t.Fatalf("unexpected second entry: %+v", table[1])
	}

	for _, raw := range []string{"", "60", "60=x", "x=0.5", "120=0.7,60=0.9"} {
		if _, err := ParseCalibration(raw); err == nil {
			t.Fatalf("ParseCalibration(%q) should have failed", raw)
		}
	}
}
