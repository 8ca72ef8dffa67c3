package marketdata

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// apply latencies are tracked in microseconds up to 10s
	minTrackable = 1
	maxTrackable = 10_000_000
	sigFigs      = 3
)

// Stats summarizes feed processing since the manager was created
type Stats struct {
	Messages      int64         `json:"messages"`
	ParseFailures int64         `json:"parse_failures"`
	Snapshots     int64         `json:"snapshots"`
	Deltas        int64         `json:"deltas"`
	ApplyP50      time.Duration `json:"apply_p50"`
	ApplyP99      time.Duration `json:"apply_p99"`
	ApplyMax      time.Duration `json:"apply_max"`
}

// statsRecorder is guarded by its own mutex and never nests with the manager
// or book locks
type statsRecorder struct {
	mu            sync.Mutex
	messages      int64
	parseFailures int64
	snapshots     int64
	deltas        int64
	latency       *hdrhistogram.Histogram
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{
		latency: hdrhistogram.New(minTrackable, maxTrackable, sigFigs),
	}
}

func (s *statsRecorder) message() {
	s.mu.Lock()
	s.messages++
	s.mu.Unlock()
}

func (s *statsRecorder) parseFailure() {
	s.mu.Lock()
	s.parseFailures++
	s.mu.Unlock()
}

func (s *statsRecorder) applied(snapshot bool, deltas int, took time.Duration) {
	us := took.Microseconds()
	if us < minTrackable {
		us = minTrackable
	}
	if us > maxTrackable {
		us = maxTrackable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot {
		s.snapshots++
	}
	s.deltas += int64(deltas)
	_ = s.latency.RecordValue(us)
}

func (s *statsRecorder) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Messages:      s.messages,
		ParseFailures: s.parseFailures,
		Snapshots:     s.snapshots,
		Deltas:        s.deltas,
	}
	if s.latency.TotalCount() > 0 {
		st.ApplyP50 = time.Duration(s.latency.ValueAtQuantile(50)) * time.Microsecond
		st.ApplyP99 = time.Duration(s.latency.ValueAtQuantile(99)) * time.Microsecond
		st.ApplyMax = time.Duration(s.latency.Max()) * time.Microsecond
	}
	return st
}
