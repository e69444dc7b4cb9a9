package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Shi33/trae-test-split-images/internal/models"
)

var (
	// ErrPersistUpload means the upload could not be written to disk.
	ErrPersistUpload = errors.New("failed to persist upload")
	// ErrShuttingDown is returned for uploads arriving after Shutdown began.
	ErrShuttingDown = errors.New("server is shutting down")
)

const observerTimeout = 5 * time.Second

// SessionObserver receives session lifecycle notifications. Failures are
// logged and never affect the stream.
type SessionObserver interface {
	SessionStarted(ctx context.Context, s models.SessionSnapshot) error
	SessionProgress(ctx context.Context, s models.SessionSnapshot) error
	SessionFinished(ctx context.Context, s models.SessionSnapshot) error
}

type SessionService struct {
	sessions  map[string]*models.UploadSession
	mu        sync.RWMutex
	wg        sync.WaitGroup
	lifecycle *LifecycleManager
	processor *StreamProcessor
	observers []SessionObserver
	closing   bool
}

func NewSessionService(lifecycle *LifecycleManager, processor *StreamProcessor, observers ...SessionObserver) *SessionService {
	s := &SessionService{
		sessions:  make(map[string]*models.UploadSession),
		lifecycle: lifecycle,
		processor: processor,
		observers: observers,
	}
	processor.OnProgress(func(snap models.SessionSnapshot) {
		s.notify("SessionProgress", snap, SessionObserver.SessionProgress)
	})
	return s
}

// Process persists the upload, streams its frames to w and removes every
// artifact of the session before returning, whatever the outcome. An
// ErrPersistUpload or ErrShuttingDown error means nothing was written to w.
func (s *SessionService) Process(ctx context.Context, upload io.Reader, filename string, w io.Writer) (models.SessionSnapshot, error) {
	if s.isClosing() {
		return models.SessionSnapshot{}, ErrShuttingDown
	}

	handle, err := s.lifecycle.Acquire(ctx, upload, filename)
	if err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("%w: %v", ErrPersistUpload, err)
	}
	defer handle.Release()

	session := handle.Session
	ctx, cancel := context.WithCancel(ctx)
	session.CancelFunc = cancel

	if err := s.register(session); err != nil {
		cancel()
		return models.SessionSnapshot{}, err
	}
	defer func() {
		cancel()
		handle.Release()
		s.unregister(session.ID)
	}()

	s.notify("SessionStarted", session.Snapshot(), SessionObserver.SessionStarted)

	runErr := s.processor.Run(ctx, session, NewRecordWriter(w))
	if runErr != nil {
		session.SetStatus(models.StatusFailed)
	} else {
		session.SetStatus(models.StatusCompleted)
	}

	snap := session.Snapshot()
	s.notify("SessionFinished", snap, SessionObserver.SessionFinished)

	logrus.WithFields(logrus.Fields{
		"function":   "Process",
		"session_id": snap.ID,
		"status":     snap.Status,
		"frames":     snap.FramesDecoded,
		"batches":    snap.BatchesEmitted,
	}).Info("Session closed")

	return snap, runErr
}

// Get returns a snapshot of an in-flight session.
func (s *SessionService) Get(id string) (models.SessionSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.SessionSnapshot{}, false
	}
	return session.Snapshot(), true
}

// IsActive reports whether the token belongs to an in-flight session.
func (s *SessionService) IsActive(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// ActiveSessions lists in-flight session IDs in sorted order.
func (s *SessionService) ActiveSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown refuses new sessions, cancels every in-flight one and waits for
// their cleanup.
func (s *SessionService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, session := range s.sessions {
		if session.CancelFunc != nil {
			session.CancelFunc()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SessionService) register(session *models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}
	s.sessions[session.ID] = session
	s.wg.Add(1)
	return nil
}

func (s *SessionService) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

func (s *SessionService) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		s.wg.Done()
	}
}

func (s *SessionService) notify(name string, snap models.SessionSnapshot,
	call func(SessionObserver, context.Context, models.SessionSnapshot) error) {
	if len(s.observers) == 0 {
		return
	}

	// Observers outlive client disconnects.
	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()

	for _, o := range s.observers {
		if err := call(o, ctx, snap); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   name,
				"session_id": snap.ID,
				"error":      err.Error(),
			}).Warn("Session observer failed")
		}
	}
}
