package models

import (
	"context"
	"sync"
	"time"
)

// Session states, in the order a session moves through them.
const (
	StatusOpening    = "opening"
	StatusStreaming  = "streaming"
	StatusCompleting = "completing"
	StatusFailing    = "failing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// UploadSession is one video-processing request. It is owned by the request's
// processing goroutine; other goroutines only read it through Snapshot.
type UploadSession struct {
	ID        string // Correlation token scoping every temp artifact
	Filename  string // Client-supplied name, informational only
	VideoPath string
	CreatedAt time.Time

	CancelFunc context.CancelFunc

	mu             sync.RWMutex
	status         string
	totalFrames    int
	framesDecoded  int
	batchesEmitted int
	progress       int
	errMsg         string
	updatedAt      time.Time
}

// SessionSnapshot is a point-in-time copy of a session's state.
type SessionSnapshot struct {
	ID             string    `json:"session_id"`
	Filename       string    `json:"filename"`
	Status         string    `json:"status"`
	TotalFrames    int       `json:"total_frames"`
	FramesDecoded  int       `json:"frames_decoded"`
	BatchesEmitted int       `json:"batches_emitted"`
	Progress       int       `json:"progress"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func NewUploadSession(id, filename, videoPath string) *UploadSession {
	now := time.Now().UTC()
	return &UploadSession{
		ID:        id,
		Filename:  filename,
		VideoPath: videoPath,
		CreatedAt: now,
		status:    StatusOpening,
		updatedAt: now,
	}
}

func (s *UploadSession) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.updatedAt = time.Now().UTC()
}

func (s *UploadSession) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *UploadSession) SetTotalFrames(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFrames = n
}

// FrameDecoded increments the consumed-frame counter and returns the new value.
func (s *UploadSession) FrameDecoded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesDecoded++
	s.updatedAt = time.Now().UTC()
	return s.framesDecoded
}

func (s *UploadSession) BatchEmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchesEmitted++
}

func (s *UploadSession) SetProgress(percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = percent
}

// Fail records the first failure cause; later causes are dropped.
func (s *UploadSession) Fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errMsg == "" {
		s.errMsg = msg
	}
}

func (s *UploadSession) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSnapshot{
		ID:             s.ID,
		Filename:       s.Filename,
		Status:         s.status,
		TotalFrames:    s.totalFrames,
		FramesDecoded:  s.framesDecoded,
		BatchesEmitted: s.batchesEmitted,
		Progress:       s.progress,
		Error:          s.errMsg,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.updatedAt,
	}
}
