package aggregator

// ProgressEvent is a sampled completion percentage.
type ProgressEvent struct {
	Percent int
}

// ProgressReporter samples progress every N consumed frames.
type ProgressReporter struct {
	every int
	last  int
}

// NewProgressReporter creates a reporter. every <= 0 falls back to 5.
func NewProgressReporter(every int) *ProgressReporter {
	if every <= 0 {
		every = 5
	}
	return &ProgressReporter{every: every}
}

// Observe returns an event when consumed is a positive multiple of the cadence
// and total is known. The percentage is floor(consumed*100/total), clamped to
// [0,100] and never lower than a previous emission.
func (r *ProgressReporter) Observe(consumed, total int) *ProgressEvent {
	if consumed <= 0 || consumed%r.every != 0 {
		return nil
	}
	if total <= 0 {
		return nil
	}

	percent := Percent(consumed, total)
	if percent < r.last {
		percent = r.last
	}
	r.last = percent
	return &ProgressEvent{Percent: percent}
}

// Last returns the most recently emitted percentage.
func (r *ProgressReporter) Last() int {
	return r.last
}

// Percent computes floor(consumed*100/total) clamped to [0,100]; 0 when total is unknown.
func Percent(consumed, total int) int {
	if total <= 0 || consumed <= 0 {
		return 0
	}
	percent := consumed * 100 / total
	if percent > 100 {
		return 100
	}
	return percent
}
