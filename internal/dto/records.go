package dto

// Record types on the /upload stream. Each record is one JSON object per line.
const (
	RecordProgress = "progress"
	RecordBatch    = "batch"
)

type ProgressRecord struct {
	Type     string `json:"type"`
	Progress int    `json:"progress"`
}

type BatchRecord struct {
	Type         string   `json:"type"`
	BatchNumber  int      `json:"batch_number"`
	TotalBatches int      `json:"total_batches"`
	Frames       []string `json:"frames"`
	IsLast       bool     `json:"is_last,omitempty"`
}

// ErrorRecord terminates a stream; nothing follows it.
type ErrorRecord struct {
	Error string `json:"error"`
}

func NewProgressRecord(percent int) ProgressRecord {
	return ProgressRecord{Type: RecordProgress, Progress: percent}
}
