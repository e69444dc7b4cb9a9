package aggregator

// Batch is a group of encoded frames delivered together.
type Batch struct {
	Number       int
	TotalBatches int
	Frames       []string
	IsLast       bool
}

// BatchAccumulator groups encoded frames into fixed-size batches for one session.
//
// A full batch is held until the next frame arrives or the stream ends, so the
// final batch can always be marked terminal and is never empty. At most
// batchSize encoded frames are resident.
type BatchAccumulator struct {
	batchSize    int
	totalFrames  int
	totalBatches int
	current      []string
	number       int
	observed     int
	flushed      bool
}

// NewBatchAccumulator creates an accumulator. batchSize <= 0 falls back to 50.
func NewBatchAccumulator(batchSize int) *BatchAccumulator {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &BatchAccumulator{
		batchSize: batchSize,
		current:   make([]string, 0, batchSize),
	}
}

// SetTotalFrames fixes the expected batch count. Only the first positive value
// is used; later calls are ignored so the reported total stays stable.
func (a *BatchAccumulator) SetTotalFrames(total int) {
	if a.totalFrames > 0 || total <= 0 {
		return
	}
	a.totalFrames = total
	a.totalBatches = (total + a.batchSize - 1) / a.batchSize
}

// TotalBatches is ceil(totalFrames/batchSize), or 0 while the frame count is unknown.
func (a *BatchAccumulator) TotalBatches() int {
	return a.totalBatches
}

// BatchSize returns the configured batch size.
func (a *BatchAccumulator) BatchSize() int {
	return a.batchSize
}

// Observed returns the number of frames seen so far.
func (a *BatchAccumulator) Observed() int {
	return a.observed
}

// Observe appends one encoded frame. It returns the previous batch once it is
// full and another frame proves it is not the last one.
func (a *BatchAccumulator) Observe(frame string) *Batch {
	var ready *Batch
	if len(a.current) >= a.batchSize {
		ready = a.take(false)
	}
	a.current = append(a.current, frame)
	a.observed++
	return ready
}

// Flush returns the remaining frames as the terminal batch, or nil when
// nothing is buffered. The terminal batch carries the actual batch count,
// which corrects an inaccurate estimate.
func (a *BatchAccumulator) Flush() *Batch {
	if a.flushed || len(a.current) == 0 {
		return nil
	}
	a.flushed = true
	return a.take(true)
}

func (a *BatchAccumulator) take(last bool) *Batch {
	batch := &Batch{
		Number:       a.number,
		TotalBatches: a.totalBatches,
		Frames:       a.current,
		IsLast:       last,
	}
	if last {
		batch.TotalBatches = a.number + 1
	}

	a.number++
	a.current = make([]string, 0, a.batchSize)
	return batch
}
