// Package stats collects timing and rate statistics for responses.
package stats

import (
	"log/slog"
	"sync"
	"time"
)

// Response tracks one in-flight response from prompt submission to
// completion.
type Response struct {
	start      time.Time
	latency    time.Duration
	duration   time.Duration
	units      int
	promptLen  int
	now        func() time.Time
}

// Part records that another piece of the response arrived. The first
// call fixes the latency; every call extends the duration.
func (r *Response) Part() {
	now := r.now()
	if r.latency == 0 {
		r.latency = now.Sub(r.start)
	}
	r.duration = now.Sub(r.start)
	r.units++
}

// Latency is the time to the first response part.
func (r *Response) Latency() time.Duration { return r.latency }

// Duration is the time to the latest response part.
func (r *Response) Duration() time.Duration { return r.duration }

// Units is the number of response parts recorded.
func (r *Response) Units() int { return r.units }

// PromptLen is the prompt length in characters.
func (r *Response) PromptLen() int { return r.promptLen }

// Snapshot is a point-in-time view of the aggregate counters.
type Snapshot struct {
	RequestsReceived    int     `json:"requests_received"`
	SuccessfulResponses int     `json:"successful_responses"`
	FailedResponses     int     `json:"failed_responses"`
	ErrorRatePercent    float64 `json:"error_rate_percent"`
	AverageLatencyMS    float64 `json:"average_latency_ms"`
	AverageDurationMS   float64 `json:"average_duration_ms"`
	PromptMaxChars      int     `json:"prompt_max_chars"`
	PromptMinChars      int     `json:"prompt_min_chars"`
	PromptAvgChars      float64 `json:"prompt_avg_chars"`
}

// Aggregate accumulates statistics across all responses. Safe for
// concurrent use.
type Aggregate struct {
	mu               sync.Mutex
	requests         int
	successes        int
	failures         int
	totalLatency     time.Duration
	totalDuration    time.Duration
	promptMaxChars   int
	promptMinChars   int
	promptTotalChars int
	now              func() time.Time
}

// NewAggregate creates an empty Aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{now: time.Now}
}

// RequestArrived registers a new request and returns a Response to
// track it. Follow with Part calls and exactly one Success or Failure.
func (a *Aggregate) RequestArrived(promptLen int) *Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	if promptLen > a.promptMaxChars {
		a.promptMaxChars = promptLen
	}
	if a.requests == 1 || promptLen < a.promptMinChars {
		a.promptMinChars = promptLen
	}
	a.promptTotalChars += promptLen
	return &Response{start: a.now(), promptLen: promptLen, now: a.now}
}

// Success folds a completed response into the aggregate.
func (a *Aggregate) Success(r *Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successes++
	a.totalLatency += r.latency
	a.totalDuration += r.duration
}

// Failure counts a response that produced nothing.
func (a *Aggregate) Failure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
}

// Snapshot returns the current counters.
func (a *Aggregate) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		RequestsReceived:    a.requests,
		SuccessfulResponses: a.successes,
		FailedResponses:     a.failures,
		PromptMaxChars:      a.promptMaxChars,
		PromptMinChars:      a.promptMinChars,
	}
	if a.requests > 0 {
		s.ErrorRatePercent = 100 * float64(a.failures) / float64(a.requests)
		s.PromptAvgChars = float64(a.promptTotalChars) / float64(a.requests)
	}
	if a.successes > 0 {
		s.AverageLatencyMS = float64(a.totalLatency.Milliseconds()) / float64(a.successes)
		s.AverageDurationMS = float64(a.totalDuration.Milliseconds()) / float64(a.successes)
	}
	return s
}

// LogSummary writes the aggregate counters at shutdown.
func (a *Aggregate) LogSummary(logger *slog.Logger) {
	s := a.Snapshot()
	if s.RequestsReceived == 0 {
		logger.Info("no responses handled this run")
		return
	}
	logger.Info("response statistics",
		"requests", s.RequestsReceived,
		"successes", s.SuccessfulResponses,
		"failures", s.FailedResponses,
		"error_rate_percent", s.ErrorRatePercent,
		"avg_latency_ms", s.AverageLatencyMS,
		"avg_duration_ms", s.AverageDurationMS,
		"prompt_avg_chars", s.PromptAvgChars)
}
