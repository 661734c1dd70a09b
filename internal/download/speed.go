package download

import "time"

// speedTracker computes a short moving-window transfer rate for
// download:progress events, per spec's "computed over a short moving
// window" requirement.
type speedTracker struct {
	lastBytes int64
	lastAt    time.Time
}

func newSpeedTracker(startBytes int64) *speedTracker {
	return &speedTracker{lastBytes: startBytes, lastAt: time.Now()}
}

// sample returns the instantaneous bytes-per-second rate since the
// previous sample and resets the window.
func (t *speedTracker) sample(currentBytes int64) float64 {
	now := time.Now()
	elapsed := now.Sub(t.lastAt).Seconds()
	delta := currentBytes - t.lastBytes
	t.lastBytes = currentBytes
	t.lastAt = now
	if elapsed <= 0 {
		return 0
	}
	return float64(delta) / elapsed
}
