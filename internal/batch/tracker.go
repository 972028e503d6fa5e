package batch

import "time"

// durationWindow is a ring buffer of recent per-item processing durations,
// used for the rolling-average ETA estimate.
type durationWindow struct {
	size int
	durs []time.Duration
}

func newDurationWindow(size int) *durationWindow {
	if size <= 0 {
		size = 20
	}
	return &durationWindow{size: size}
}

func (w *durationWindow) Record(d time.Duration) {
	if len(w.durs) >= w.size {
		copy(w.durs, w.durs[1:])
		w.durs[len(w.durs)-1] = d
		return
	}
	w.durs = append(w.durs, d)
}

// Average returns the rolling mean, zero when nothing was recorded yet.
func (w *durationWindow) Average() time.Duration {
	if len(w.durs) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range w.durs {
		total += d
	}
	return total / time.Duration(len(w.durs))
}
