package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Shi33/trae-test-split-images/internal/aggregator"
	"github.com/Shi33/trae-test-split-images/internal/dto"
	"github.com/Shi33/trae-test-split-images/internal/media"
	"github.com/Shi33/trae-test-split-images/internal/models"
	"github.com/Shi33/trae-test-split-images/pkg/ffmpeg"
)

// MsgOpenFailed is the record sent when the decoder cannot open the upload.
const MsgOpenFailed = "cannot open video file"

// ErrOpenVideo marks a session that failed before any frame was read.
var ErrOpenVideo = errors.New(MsgOpenFailed)

// FrameSource is an opened decoder.
type FrameSource interface {
	TotalFrames() int
	Next() (*ffmpeg.Frame, error)
	Close() error
}

// OpenFunc opens a FrameSource over a video file.
type OpenFunc func(ctx context.Context, path string) (FrameSource, error)

// FFmpegOpener opens videos with the ffmpeg decoder.
func FFmpegOpener(opts ffmpeg.Options) OpenFunc {
	return func(ctx context.Context, path string) (FrameSource, error) {
		d, err := ffmpeg.Open(ctx, opts, path)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// StreamProcessor turns one opened video into a record stream.
type StreamProcessor struct {
	open          OpenFunc
	encoder       media.Encoder
	lifecycle     *LifecycleManager
	batchSize     int
	progressEvery int
	spool         bool
	onProgress    func(models.SessionSnapshot)
}

// StreamOptions configures a StreamProcessor.
type StreamOptions struct {
	BatchSize     int
	ProgressEvery int
	SpoolFrames   bool
}

func NewStreamProcessor(open OpenFunc, encoder media.Encoder, lifecycle *LifecycleManager, opts StreamOptions) *StreamProcessor {
	return &StreamProcessor{
		open:          open,
		encoder:       encoder,
		lifecycle:     lifecycle,
		batchSize:     opts.BatchSize,
		progressEvery: opts.ProgressEvery,
		spool:         opts.SpoolFrames,
	}
}

// OnProgress registers a callback invoked after each progress record.
func (p *StreamProcessor) OnProgress(fn func(models.SessionSnapshot)) {
	p.onProgress = fn
}

// Run drives a session through opening, streaming and completing or failing.
// Frames are read one at a time and every resulting record is written and
// flushed before the next frame is read. The returned error is the cause of a
// failed session; the session status is left at completing or failing.
func (p *StreamProcessor) Run(ctx context.Context, session *models.UploadSession, out *RecordWriter) error {
	log := logrus.WithFields(logrus.Fields{
		"function":   "Run",
		"session_id": session.ID,
	})

	session.SetStatus(models.StatusOpening)
	src, err := p.open(ctx, session.VideoPath)
	if err != nil {
		log.WithError(err).Warn("Failed to open video")
		p.fail(session, out, err, MsgOpenFailed)
		return fmt.Errorf("%w: %v", ErrOpenVideo, err)
	}
	defer src.Close()

	total := src.TotalFrames()
	session.SetTotalFrames(total)

	acc := aggregator.NewBatchAccumulator(p.batchSize)
	acc.SetTotalFrames(total)
	reporter := aggregator.NewProgressReporter(p.progressEvery)

	session.SetStatus(models.StatusStreaming)
	log.WithFields(logrus.Fields{
		"total_frames":  total,
		"total_batches": acc.TotalBatches(),
	}).Info("Streaming frames")

	if err := p.stream(ctx, session, src, acc, reporter, out); err != nil {
		log.WithError(err).Warn("Stream failed")
		p.fail(session, out, err, err.Error())
		return err
	}

	session.SetStatus(models.StatusCompleting)
	if batch := acc.Flush(); batch != nil {
		if err := p.writeBatch(session, out, batch); err != nil {
			log.WithError(err).Warn("Failed to write terminal batch")
			p.fail(session, out, err, err.Error())
			return err
		}
	}

	log.WithFields(logrus.Fields{
		"frames":  acc.Observed(),
		"records": out.Records(),
	}).Info("Stream completed")
	return nil
}

func (p *StreamProcessor) stream(ctx context.Context, session *models.UploadSession, src FrameSource,
	acc *aggregator.BatchAccumulator, reporter *aggregator.ProgressReporter, out *RecordWriter) error {
	total := src.TotalFrames()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stream cancelled: %w", err)
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}

		encoded, err := p.encodeFrame(session, frame)
		if err != nil {
			return err
		}

		if batch := acc.Observe(encoded); batch != nil {
			if err := p.writeBatch(session, out, batch); err != nil {
				return err
			}
		}

		consumed := session.FrameDecoded()
		if ev := reporter.Observe(consumed, total); ev != nil {
			session.SetProgress(ev.Percent)
			if err := out.Write(dto.NewProgressRecord(ev.Percent)); err != nil {
				return err
			}
			if p.onProgress != nil {
				p.onProgress(session.Snapshot())
			}
		}
	}
}

func (p *StreamProcessor) encodeFrame(session *models.UploadSession, frame *ffmpeg.Frame) (string, error) {
	data, err := p.encoder.Encode(frame.Image)
	if err != nil {
		return "", fmt.Errorf("encode frame %d: %w", frame.Index, err)
	}

	if p.spool {
		path := p.lifecycle.FramePath(session.ID, frame.Index)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("spool frame %d: %w", frame.Index, err)
		}
	}

	return media.DataURI(p.encoder.MimeType(), data), nil
}

func (p *StreamProcessor) writeBatch(session *models.UploadSession, out *RecordWriter, batch *aggregator.Batch) error {
	record := dto.BatchRecord{
		Type:         dto.RecordBatch,
		BatchNumber:  batch.Number,
		TotalBatches: batch.TotalBatches,
		Frames:       batch.Frames,
		IsLast:       batch.IsLast,
	}
	if err := out.Write(record); err != nil {
		return err
	}
	session.BatchEmitted()
	return nil
}

func (p *StreamProcessor) fail(session *models.UploadSession, out *RecordWriter, cause error, msg string) {
	session.SetStatus(models.StatusFailing)
	session.Fail(cause.Error())
	out.WriteError(msg)
}
