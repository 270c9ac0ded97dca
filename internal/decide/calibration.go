package decide

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	errEmptyCalibration = errors.New("calibration table has no entries")
	errUnsortedTable    = errors.New("calibration thresholds must be strictly ascending")
	errBadProbability   = errors.New("calibration probability must be within [0,1]")
)

// CalibrationEntry maps an idle-time upper bound to the probability of an
// unsolicited reply while the bot's last post is within that bound.
type CalibrationEntry struct {
	Threshold   time.Duration
	Probability float64
}

// Calibration is the ordered idle-time vs. response-chance table, sorted
// ascending by threshold.
type Calibration []CalibrationEntry

// DefaultCalibration mirrors the stock response-chance curve: very likely
// to chime in right after the bot was active, trailing off to silence
// after five minutes.
func DefaultCalibration() Calibration {
	return Calibration{
		{Threshold: 60 * time.Second, Probability: 0.90},
		{Threshold: 120 * time.Second, Probability: 0.70},
		{Threshold: 300 * time.Second, Probability: 0.50},
	}
}

// Validate checks table shape. A malformed table is a configuration error
// and must prevent startup.
func (c Calibration) Validate() error {
	if len(c) == 0 {
		return errEmptyCalibration
	}
	var prev time.Duration
	for i, entry := range c {
		if entry.Threshold <= 0 {
			return fmt.Errorf("entry %d: threshold must be positive, got %s", i, entry.Threshold)
		}
		if i > 0 && entry.Threshold <= prev {
			return fmt.Errorf("entry %d: %w (%s after %s)", i, errUnsortedTable, entry.Threshold, prev)
		}
		if entry.Probability < 0 || entry.Probability > 1 {
			return fmt.Errorf("entry %d: %w, got %g", i, errBadProbability, entry.Probability)
		}
		prev = entry.Threshold
	}
	return nil
}

// Probability returns the response chance for the given idle time: the
// probability of the first entry whose threshold is >= elapsed. An idle
// time beyond the last threshold means the bot has gone quiet in that
// channel, and the chance is zero.
func (c Calibration) Probability(elapsed time.Duration) float64 {
	for _, entry := range c {
		if elapsed <= entry.Threshold {
			return entry.Probability
		}
	}
	return 0
}

// ParseCalibration parses a "60=0.9,120=0.7,300=0.5" style table, with
// thresholds in seconds.
func ParseCalibration(raw string) (Calibration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errEmptyCalibration
	}
	var table Calibration
	for _, pair := range strings.Split(raw, ",") {
		seconds, chance, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("malformed calibration pair %q", pair)
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(seconds), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed calibration threshold %q: %w", seconds, err)
		}
		prob, err := strconv.ParseFloat(strings.TrimSpace(chance), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed calibration probability %q: %w", chance, err)
		}
		table = append(table, CalibrationEntry{
			Threshold:   time.Duration(secs * float64(time.Second)),
			Probability: prob,
		})
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
