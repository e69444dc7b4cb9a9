package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Shi33/trae-test-split-images/internal/dto"
)

var errStreamClosed = errors.New("record stream closed")

// RecordWriter writes newline-delimited JSON records and flushes after each
// one. Once a write fails or an error record has been written, every later
// write is refused.
type RecordWriter struct {
	w       io.Writer
	flusher http.Flusher
	err     error
	records int
}

func NewRecordWriter(w io.Writer) *RecordWriter {
	flusher, _ := w.(http.Flusher)
	return &RecordWriter{w: w, flusher: flusher}
}

// Write serializes v as one line and pushes it to the client.
func (rw *RecordWriter) Write(v any) error {
	if rw.err != nil {
		return rw.err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	if _, err := rw.w.Write(data); err != nil {
		rw.err = fmt.Errorf("write record: %w", err)
		return rw.err
	}
	if rw.flusher != nil {
		rw.flusher.Flush()
	}
	rw.records++
	return nil
}

// WriteError emits a terminal error record on a best-effort basis and closes the stream.
func (rw *RecordWriter) WriteError(msg string) {
	if rw.err != nil {
		return
	}
	_ = rw.Write(dto.ErrorRecord{Error: msg})
	if rw.err == nil {
		rw.err = errStreamClosed
	}
}

// Err reports why the writer stopped accepting records, if it did.
func (rw *RecordWriter) Err() error {
	return rw.err
}

// Records is the number of records written successfully.
func (rw *RecordWriter) Records() int {
	return rw.records
}
