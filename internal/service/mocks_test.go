package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Shi33/trae-test-split-images/internal/models"
	"github.com/Shi33/trae-test-split-images/pkg/ffmpeg"
)

// mockSource yields frames whose first pixel byte is the frame index.
type mockSource struct {
	total   int
	frames  int
	failAt  int // -1 disables
	failErr error

	// gate, when set, is received from before every frame after blockAfter.
	gate       chan struct{}
	blockAfter int
	ctx        context.Context

	next   int
	closed bool
	mu     sync.Mutex
}

func newMockSource(total, frames int) *mockSource {
	return &mockSource{total: total, frames: frames, failAt: -1, failErr: errors.New("corrupt packet")}
}

func (m *mockSource) TotalFrames() int { return m.total }

func (m *mockSource) Next() (*ffmpeg.Frame, error) {
	if m.gate != nil && m.next >= m.blockAfter {
		select {
		case <-m.gate:
		case <-m.ctx.Done():
			return nil, m.ctx.Err()
		}
	}
	if m.next == m.failAt {
		return nil, m.failErr
	}
	if m.next >= m.frames {
		return nil, io.EOF
	}
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Pix[0] = byte(m.next)
	f := &ffmpeg.Frame{Index: m.next, Image: img}
	m.next++
	return f, nil
}

func (m *mockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSource) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func openerFor(src *mockSource) OpenFunc {
	return func(ctx context.Context, path string) (FrameSource, error) {
		if src.ctx == nil {
			src.ctx = ctx
		}
		return src, nil
	}
}

func failingOpener(err error) OpenFunc {
	return func(ctx context.Context, path string) (FrameSource, error) {
		return nil, err
	}
}

// mockEncoder emits the first pixel byte, so payloads identify frames.
type mockEncoder struct {
	failAt int
}

func (e *mockEncoder) Encode(img image.Image) ([]byte, error) {
	rgba := img.(*image.RGBA)
	if e.failAt > 0 && int(rgba.Pix[0]) == e.failAt {
		return nil, errors.New("encoder exploded")
	}
	return []byte{rgba.Pix[0]}, nil
}

func (e *mockEncoder) MimeType() string { return "image/jpeg" }

// flushRecorder records writes and counts flushes.
type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

var _ http.Flusher = (*flushRecorder)(nil)

// brokenWriter fails once limit bytes have been written, like a dropped client.
type brokenWriter struct {
	limit   int
	written int
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	if b.written+len(p) > b.limit {
		return 0, errors.New("connection reset by peer")
	}
	b.written += len(p)
	return len(p), nil
}

type observerCall struct {
	kind   string
	status string
}

type mockObserver struct {
	mu    sync.Mutex
	calls []observerCall
	err   error
}

func (o *mockObserver) record(kind string, s models.SessionSnapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, observerCall{kind: kind, status: s.Status})
	return o.err
}

func (o *mockObserver) SessionStarted(_ context.Context, s models.SessionSnapshot) error {
	return o.record("started", s)
}

func (o *mockObserver) SessionProgress(_ context.Context, s models.SessionSnapshot) error {
	return o.record("progress", s)
}

func (o *mockObserver) SessionFinished(_ context.Context, s models.SessionSnapshot) error {
	return o.record("finished", s)
}

func (o *mockObserver) kinds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, c := range o.calls {
		out = append(out, c.kind)
	}
	return out
}

// record is the union of every wire record shape.
type record struct {
	Type         string   `json:"type"`
	Progress     int      `json:"progress"`
	BatchNumber  int      `json:"batch_number"`
	TotalBatches int      `json:"total_batches"`
	Frames       []string `json:"frames"`
	IsLast       bool     `json:"is_last"`
	Error        *string  `json:"error"`
}

func parseRecords(t *testing.T, data []byte) []record {
	t.Helper()
	var out []record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var r record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r), "line %q", scanner.Text())
		out = append(out, r)
	}
	require.NoError(t, scanner.Err())
	return out
}
