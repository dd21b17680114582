package bus

import (
	"sync"
	"time"
)

// TimingStats summarizes handler-processing time over the last N dispatched
// events.
type TimingStats struct {
	Min     time.Duration
	Avg     time.Duration
	Max     time.Duration
	Samples int
}

// Stats is a point-in-time view of bus activity.
type Stats struct {
	// EventsPerSecond is instantaneous: the inverse of the gap between the
	// two most recently processed events.
	EventsPerSecond     float64
	ActiveSubscriptions int
	QueueDepth          int
	Published           uint64
	Processed           uint64
	Processing          TimingStats
}

// statsTracker records raw observations and recomputes a snapshot on a fixed
// interval.
type statsTracker struct {
	mu            sync.Mutex
	published     uint64
	processed     uint64
	lastProcessed time.Time
	lastGap       time.Duration

	samples []time.Duration
	next    int
	full    bool

	snap Stats

	done chan struct{}
	wg   sync.WaitGroup
}

func newStatsTracker(sampleCount int) *statsTracker {
	return &statsTracker{
		samples: make([]time.Duration, sampleCount),
		done:    make(chan struct{}),
	}
}

func (s *statsTracker) start(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.recompute()
			}
		}
	}()
}

func (s *statsTracker) stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *statsTracker) recordPublished() {
	s.mu.Lock()
	s.published++
	s.mu.Unlock()
}

func (s *statsTracker) recordProcessed(d time.Duration) {
	now := time.Now()
	s.mu.Lock()
	s.processed++
	if !s.lastProcessed.IsZero() {
		s.lastGap = now.Sub(s.lastProcessed)
	}
	s.lastProcessed = now

	s.samples[s.next] = d
	s.next++
	if s.next == len(s.samples) {
		s.next = 0
		s.full = true
	}
	s.mu.Unlock()
}

func (s *statsTracker) recompute() {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Stats{
		Published: s.published,
		Processed: s.processed,
	}
	if s.lastGap > 0 {
		snap.EventsPerSecond = 1 / s.lastGap.Seconds()
	}

	n := s.next
	if s.full {
		n = len(s.samples)
	}
	if n > 0 {
		var total time.Duration
		min, max := s.samples[0], s.samples[0]
		for _, d := range s.samples[:n] {
			total += d
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
		}
		snap.Processing = TimingStats{
			Min:     min,
			Avg:     total / time.Duration(n),
			Max:     max,
			Samples: n,
		}
	}

	s.snap = snap
}

func (s *statsTracker) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
