package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Options selects the binaries used by Open.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	MaxPixels   int // Largest accepted width*height; 0 uses DefaultMaxPixels
}

// Frame is one decoded picture. Index is 0-based and gapless.
type Frame struct {
	Index int
	Image *image.RGBA
}

// Decoder yields raw frames from an ffmpeg process one at a time. Reads are
// synchronous, so ffmpeg blocks on a full pipe while the caller is busy.
type Decoder struct {
	info      VideoInfo
	stdout    io.Reader
	stderr    *tailBuffer
	frameSize int
	next      int

	kill     func() error
	wait     func() error
	waitOnce sync.Once
	waitErr  error
	done     bool
	closed   bool
}

// Open reads the video metadata and starts decoding it to RGBA.
func Open(ctx context.Context, opts Options, videoPath string) (*Decoder, error) {
	info, err := GetVideoMetadata(ctx, opts.FFprobePath, videoPath, opts.MaxPixels)
	if err != nil {
		return nil, err
	}

	// Autorotation stays on; GetVideoMetadata reports the rotated size.
	cmd := exec.CommandContext(ctx, opts.FFmpegPath,
		"-v", "error",
		"-autorotate",
		"-i", videoPath,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)

	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrOpen, err)
	}

	d := newDecoder(*info, stdout, cmd.Wait)
	d.stderr = stderr
	d.kill = func() error { return cmd.Process.Kill() }
	return d, nil
}

func newDecoder(info VideoInfo, stdout io.Reader, wait func() error) *Decoder {
	return &Decoder{
		info:      info,
		stdout:    stdout,
		stderr:    newTailBuffer(0),
		frameSize: info.Width * info.Height * 4,
		wait:      wait,
	}
}

// TotalFrames is the metadata frame count, possibly 0 or inaccurate.
func (d *Decoder) TotalFrames() int {
	return d.info.FrameCount
}

// Next returns the next frame, or io.EOF once the stream ended cleanly.
func (d *Decoder) Next() (*Frame, error) {
	if d.closed || d.done {
		return nil, io.EOF
	}

	buf := make([]byte, d.frameSize)
	if _, err := io.ReadFull(d.stdout, buf); err != nil {
		d.done = true
		waitErr := d.finish()
		switch {
		case errors.Is(err, io.EOF) && waitErr == nil:
			return nil, io.EOF
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, d.decodeError(err, waitErr)
		default:
			return nil, fmt.Errorf("read frame %d: %w", d.next, err)
		}
	}

	img := &image.RGBA{
		Pix:    buf,
		Stride: d.info.Width * 4,
		Rect:   image.Rect(0, 0, d.info.Width, d.info.Height),
	}
	frame := &Frame{Index: d.next, Image: img}
	d.next++
	return frame, nil
}

// Close stops ffmpeg if it is still running. Safe to call more than once.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	d.waitOnce.Do(func() {
		if d.kill != nil {
			_ = d.kill()
		}
		d.waitErr = d.wait()
	})
	return nil
}

func (d *Decoder) finish() error {
	d.waitOnce.Do(func() {
		d.waitErr = d.wait()
	})
	return d.waitErr
}

func (d *Decoder) decodeError(readErr, waitErr error) error {
	msg := strings.TrimSpace(d.stderr.String())
	if waitErr == nil {
		waitErr = readErr
	}
	if errors.Is(readErr, io.ErrUnexpectedEOF) {
		readErr = fmt.Errorf("truncated frame %d", d.next)
	}
	if msg != "" {
		return fmt.Errorf("decode failed after %d frames: %v: %w - %s", d.next, readErr, waitErr, msg)
	}
	return fmt.Errorf("decode failed after %d frames: %v: %w", d.next, readErr, waitErr)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit <= 0 {
		return len(p), nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
