package compaction

import "time"

// Scheduler is the pure auto-compaction threshold watcher (EXPANSION
// item 5). basalt never sleeps or spawns its own timer goroutine — the
// embedding program calls Tick(time.Now(), ...) on whatever cadence it
// likes (§1 explicitly keeps "thread-pool sleep timers for the
// background compactor" out of scope) and Tick reports whether a
// compaction should be started now.
type Scheduler struct {
	threshold float64
	cooldown  time.Duration
	hasLast   bool
	last      time.Time
}

// NewScheduler builds a watcher that recommends compaction once the
// live/total ratio falls to or below threshold, never recommending it
// again within cooldown of the last recommendation.
func NewScheduler(threshold float64, cooldown time.Duration) *Scheduler {
	return &Scheduler{threshold: threshold, cooldown: cooldown}
}

// Tick reports whether, as of now, a compaction should be started
// given the file's current live and total byte counts.
func (s *Scheduler) Tick(now time.Time, liveBytes, totalBytes uint64) bool {
	if totalBytes == 0 {
		return false
	}
	ratio := float64(liveBytes) / float64(totalBytes)
	if ratio > s.threshold {
		return false
	}
	if s.hasLast && now.Sub(s.last) < s.cooldown {
		return false
	}
	s.last, s.hasLast = now, true
	return true
}
