package service

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// FrameCleanup sweeps artifacts left behind by sessions that never reached
// Release, e.g. after a crash. Files of active sessions are skipped.
type FrameCleanup struct {
	dirs     []string
	interval time.Duration
	window   time.Duration
	isActive func(token string) bool
	now      func() time.Time
}

func NewFrameCleanup(dirs []string, interval, window time.Duration, isActive func(token string) bool) *FrameCleanup {
	if isActive == nil {
		isActive = func(string) bool { return false }
	}
	return &FrameCleanup{
		dirs:     dirs,
		interval: interval,
		window:   window,
		isActive: isActive,
		now:      time.Now,
	}
}

func (fc *FrameCleanup) Start(ctx context.Context) {
	ticker := time.NewTicker(fc.interval)
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "FrameCleanup.Start",
		"dirs":     fc.dirs,
		"window":   fc.window.String(),
	}).Info("Started orphan cleanup")

	for {
		select {
		case <-ctx.Done():
			logrus.WithField("function", "FrameCleanup.Start").Info("Orphan cleanup stopped")
			return
		case <-ticker.C:
			fc.Sweep()
		}
	}
}

// Sweep removes session artifacts older than the window and returns how many were deleted.
func (fc *FrameCleanup) Sweep() int {
	cutoffTime := fc.now().Add(-fc.window)
	deletedCount := 0

	for _, dir := range fc.dirs {
		for _, pattern := range []string{videoPrefix + "*", framePrefix + "*"} {
			files, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Sweep",
					"dir":      dir,
					"error":    err.Error(),
				}).Warn("Error reading artifact directory")
				continue
			}

			for _, file := range files {
				token, ok := tokenFromArtifact(filepath.Base(file))
				if !ok || fc.isActive(token) {
					continue
				}

				info, err := os.Stat(file)
				if err != nil || info.IsDir() {
					continue
				}
				if info.ModTime().Before(cutoffTime) && removeQuietly(file, token) {
					deletedCount++
				}
			}
		}
	}

	if deletedCount > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"deleted":  deletedCount,
		}).Info("Cleaned up orphaned artifacts")
	}
	return deletedCount
}
