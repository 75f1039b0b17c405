package progress

import "time"

// Sample is one speed/ETA measurement.
type Sample struct {
	Speed float64        // bytes per second over the last window
	ETA   *time.Duration // nil when the remaining size or the speed is unknown
}

// Sampler turns a stream of written byte counts into periodic rate samples.
type Sampler struct {
	interval time.Duration
	now      func() time.Time
	last     time.Time
	window   int64 // bytes since last sample
}

// NewSampler starts the first window at now(). A nil now uses time.Now.
func NewSampler(interval time.Duration, now func() time.Time) *Sampler {
	if now == nil {
		now = time.Now
	}

	return &Sampler{interval: interval, now: now, last: now()}
}

// Add records n written bytes. It returns a sample once at least interval has
// elapsed since the previous one; remaining <= 0 means the total is unknown or reached.
func (s *Sampler) Add(n int64, remaining int64) (Sample, bool) {
	s.window += n

	now := s.now()

	elapsed := now.Sub(s.last)
	if elapsed < s.interval || elapsed <= 0 {
		return Sample{}, false
	}

	sample := Sample{Speed: float64(s.window) / elapsed.Seconds()}

	if sample.Speed > 0 && remaining > 0 {
		eta := time.Duration(float64(remaining) / sample.Speed * float64(time.Second))
		sample.ETA = &eta
	}

	s.last = now
	s.window = 0

	return sample, true
}
