package feed

// availRing keeps one hour of per-minute free-space samples for a
// server. Slot index is the minute of the hour; slots skipped between
// two samples are erased so they read as "no data".
type availRing struct {
	samples    [60]int // MB, -1 when no sample landed in that minute
	lastMinute int64   // absolute minute of the last sample, 0 = never
}

func (r *availRing) reset() {
	for i := range r.samples {
		r.samples[i] = -1
	}
	r.lastMinute = 0
}

func (r *availRing) sample(unixNow int64, availableMB int) {
	minute := unixNow / 60
	if r.lastMinute != 0 && minute > r.lastMinute {
		gap := minute - r.lastMinute
		if gap >= 60 {
			gap = 60
		}
		for i := int64(1); i < gap; i++ {
			r.samples[(r.lastMinute+i)%60] = -1
		}
	}
	r.samples[minute%60] = availableMB
	r.lastMinute = minute
}

// minimum returns the smallest non-negative sample, or -1 when the
// ring holds no data at all.
func (r *availRing) minimum() int {
	min := -1
	for _, v := range r.samples {
		if v < 0 {
			continue
		}
		if min < 0 || v < min {
			min = v
		}
	}
	return min
}
