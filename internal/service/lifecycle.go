package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Shi33/trae-test-split-images/internal/models"
)

const (
	videoPrefix = "video_"
	framePrefix = "frame_"
	defaultExt  = ".mp4"
)

// LifecycleManager owns the on-disk artifacts of upload sessions. Every file
// it creates carries the session token, so concurrent sessions sharing the
// same directories never touch each other's files.
type LifecycleManager struct {
	uploadDir string
	framesDir string
}

// Handle ties a session to its artifacts. Release is safe to call any number
// of times; the cleanup runs once.
type Handle struct {
	Session *models.UploadSession

	manager *LifecycleManager
	once    sync.Once
}

func NewLifecycleManager(uploadDir, framesDir string) *LifecycleManager {
	return &LifecycleManager{
		uploadDir: uploadDir,
		framesDir: framesDir,
	}
}

// Acquire persists the upload under a fresh session token.
func (m *LifecycleManager) Acquire(ctx context.Context, upload io.Reader, filename string) (*Handle, error) {
	token := uuid.NewString()
	videoPath := filepath.Join(m.uploadDir, videoPrefix+token+safeExt(filename))

	dst, err := os.OpenFile(videoPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}

	_, copyErr := io.Copy(dst, readerWithContext(ctx, upload))
	closeErr := dst.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		removeQuietly(videoPath, token)
		return nil, fmt.Errorf("failed to save upload: %w", copyErr)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Acquire",
		"session_id": token,
		"video_path": videoPath,
	}).Debug("Upload persisted")

	return &Handle{
		Session: models.NewUploadSession(token, filename, videoPath),
		manager: m,
	}, nil
}

// FramePath is where frame index of the session is spooled.
func (m *LifecycleManager) FramePath(token string, index int) string {
	return filepath.Join(m.framesDir, fmt.Sprintf("%s%s_%d.jpg", framePrefix, token, index))
}

// Release removes the session's video and every frame artifact it produced.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.manager.release(h.Session)
	})
}

func (m *LifecycleManager) release(session *models.UploadSession) {
	removed := 0
	if session.VideoPath != "" && removeQuietly(session.VideoPath, session.ID) {
		removed++
	}

	pattern := filepath.Join(m.framesDir, framePrefix+session.ID+"_*")
	frames, err := filepath.Glob(pattern)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "release",
			"session_id": session.ID,
			"error":      err.Error(),
		}).Warn("Failed to list frame artifacts")
	}
	for _, frame := range frames {
		if removeQuietly(frame, session.ID) {
			removed++
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "release",
		"session_id": session.ID,
		"removed":    removed,
	}).Debug("Session artifacts released")
}

// removeQuietly deletes path and logs failures other than the file being gone.
func removeQuietly(path, token string) bool {
	err := os.Remove(path)
	if err == nil {
		return true
	}
	if !errors.Is(err, os.ErrNotExist) {
		logrus.WithFields(logrus.Fields{
			"function":   "removeQuietly",
			"session_id": token,
			"path":       path,
			"error":      err.Error(),
		}).Warn("Failed to remove temporary file")
	}
	return false
}

// safeExt keeps a short alphanumeric extension from the client filename.
func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > 6 {
		return defaultExt
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return defaultExt
		}
	}
	return ext
}

// tokenFromArtifact extracts the session token from a file name this package created.
func tokenFromArtifact(name string) (string, bool) {
	switch {
	case strings.HasPrefix(name, videoPrefix):
		rest := strings.TrimPrefix(name, videoPrefix)
		return strings.TrimSuffix(rest, filepath.Ext(rest)), true
	case strings.HasPrefix(name, framePrefix):
		rest := strings.TrimPrefix(name, framePrefix)
		idx := strings.LastIndex(rest, "_")
		if idx <= 0 {
			return "", false
		}
		return rest[:idx], true
	}
	return "", false
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
