package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shi33/trae-test-split-images/internal/config"
	"github.com/Shi33/trae-test-split-images/internal/dto"
	"github.com/Shi33/trae-test-split-images/internal/enhance"
	"github.com/Shi33/trae-test-split-images/internal/media"
	"github.com/Shi33/trae-test-split-images/internal/models"
	"github.com/Shi33/trae-test-split-images/internal/repository"
	"github.com/Shi33/trae-test-split-images/internal/service"
	"github.com/Shi33/trae-test-split-images/pkg/ffmpeg"
)

// fakeSource yields n small solid frames.
type fakeSource struct {
	n, next int
}

func (s *fakeSource) TotalFrames() int { return s.n }

func (s *fakeSource) Next() (*ffmpeg.Frame, error) {
	if s.next >= s.n {
		return nil, io.EOF
	}
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	f := &ffmpeg.Frame{Index: s.next, Image: img}
	s.next++
	return f, nil
}

func (s *fakeSource) Close() error { return nil }

type fakeLookup struct {
	snaps map[string]models.SessionSnapshot
}

func (f *fakeLookup) Get(_ context.Context, id string) (models.SessionSnapshot, error) {
	if s, ok := f.snaps[id]; ok {
		return s, nil
	}
	return models.SessionSnapshot{}, repository.ErrSessionNotFound
}

type testServer struct {
	handler   http.Handler
	sessions  *service.SessionService
	uploadDir string
	framesDir string
}

func newTestServer(t *testing.T, cfg *config.Config, open service.OpenFunc, lookup StatusLookup) *testServer {
	t.Helper()
	root := t.TempDir()
	ts := &testServer{
		uploadDir: filepath.Join(root, "uploads"),
		framesDir: filepath.Join(root, "frames"),
	}
	require.NoError(t, os.MkdirAll(ts.uploadDir, 0o755))
	require.NoError(t, os.MkdirAll(ts.framesDir, 0o755))

	if cfg == nil {
		cfg = &config.Config{MaxUploadSize: 10 << 20}
	}
	encoder := media.NewJPEGEncoder(80)
	lifecycle := service.NewLifecycleManager(ts.uploadDir, ts.framesDir)
	processor := service.NewStreamProcessor(open, encoder, lifecycle, service.StreamOptions{
		BatchSize:     4,
		ProgressEvery: 5,
		SpoolFrames:   true,
	})
	sessions := service.NewSessionService(lifecycle, processor)
	ts.sessions = sessions

	h := NewHandler(sessions, enhance.NewEnhancer(enhance.DefaultParams), encoder, lookup, cfg)
	ts.handler = SetupRoutes(h)
	return ts
}

func framesOpener(n int) service.OpenFunc {
	return func(context.Context, string) (service.FrameSource, error) {
		return &fakeSource{n: n}, nil
	}
}

func multipartRequest(t *testing.T, url, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		part, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func (ts *testServer) assertNoArtifacts(t *testing.T) {
	t.Helper()
	for _, dir := range []string{ts.uploadDir, ts.framesDir} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, nil, framesOpener(0), nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestUploadStreamsRecords(t *testing.T) {
	ts := newTestServer(t, nil, framesOpener(10), nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, "/upload", "video", "clip.mp4", []byte("video bytes")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ndjsonContentType, rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	var batches []dto.BatchRecord
	scanner := bufio.NewScanner(rec.Body)
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		var head struct{ Type string }
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &head))
		if head.Type == dto.RecordBatch {
			var b dto.BatchRecord
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &b))
			batches = append(batches, b)
		}
	}

	require.Len(t, batches, 3)
	assert.True(t, batches[2].IsLast)
	assert.Len(t, batches[2].Frames, 2)
	assert.True(t, strings.HasPrefix(batches[0].Frames[0], "data:image/jpeg;base64,"))
	ts.assertNoArtifacts(t)
}

func TestUploadOpenFailure(t *testing.T) {
	open := func(context.Context, string) (service.FrameSource, error) {
		return nil, errors.New("invalid data found when processing input")
	}
	ts := newTestServer(t, nil, open, nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, "/upload", "video", "clip.mp4", []byte("junk")))

	assert.Equal(t, http.StatusOK, rec.Code, "failures after the stream starts are reported in-band")
	assert.Equal(t, "{\"error\":\"cannot open video file\"}\n", rec.Body.String())
	ts.assertNoArtifacts(t)
}

func TestUploadDuringShutdown(t *testing.T) {
	ts := newTestServer(t, nil, framesOpener(3), nil)
	require.NoError(t, ts.sessions.Shutdown(context.Background()))

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, "/upload", "video", "clip.mp4", []byte("video")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, MsgShuttingDown, decodeError(t, rec))
	ts.assertNoArtifacts(t)
}

func TestUploadClientErrors(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		filename string
		want     string
	}{
		{"no field", "", "", MsgNoVideo},
		{"wrong field", "image", "clip.mp4", MsgNoVideo},
		{"empty filename", "video", "", MsgNoFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil, framesOpener(1), nil)

			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, multipartRequest(t, "/upload", tt.field, tt.filename, []byte("x")))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decodeError(t, rec))
			ts.assertNoArtifacts(t)
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, &config.Config{MaxUploadSize: 1024}, framesOpener(1), nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, "/upload", "video", "big.mp4", bytes.Repeat([]byte{1}, 4096)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, MsgUploadTooBig, decodeError(t, rec))
}

func TestUploadWrongMethod(t *testing.T) {
	ts := newTestServer(t, nil, framesOpener(1), nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/upload", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	for i := 0; i < 36; i++ {
		img.SetNRGBA(i%6, i/6, color.NRGBA{R: uint8(i * 7), G: 90, B: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEnhance(t *testing.T) {
	ts := newTestServer(t, nil, framesOpener(0), nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, multipartRequest(t, "/enhance", "image", "photo.png", pngBytes(t)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp dto.EnhanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.EnhancedImage, "data:image/jpeg;base64,"))
}

func TestEnhanceIsDeterministic(t *testing.T) {
	ts := newTestServer(t, nil, framesOpener(0), nil)
	data := pngBytes(t)

	var bodies []string
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, multipartRequest(t, "/enhance", "image", "photo.png", data))
		require.Equal(t, http.StatusOK, rec.Code)
		bodies = append(bodies, rec.Body.String())
	}
	assert.Equal(t, bodies[0], bodies[1])
}

func TestEnhanceErrors(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		filename string
		content  []byte
		status   int
		want     string
	}{
		{"missing field", "", "", nil, http.StatusBadRequest, MsgNoImage},
		{"empty filename", "image", "", []byte("x"), http.StatusBadRequest, MsgNoFile},
		{"corrupt image", "image", "photo.jpg", []byte("not an image"), http.StatusInternalServerError, MsgBadImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil, framesOpener(0), nil)

			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, multipartRequest(t, "/enhance", tt.field, tt.filename, tt.content))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, decodeError(t, rec))
			assert.NotContains(t, rec.Body.String(), "enhanced_image")
		})
	}
}

func TestGetSession(t *testing.T) {
	finished := models.SessionSnapshot{ID: "done-1", Status: models.StatusCompleted, Progress: 100}
	ts := newTestServer(t, nil, framesOpener(0), &fakeLookup{snaps: map[string]models.SessionSnapshot{"done-1": finished}})

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/done-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.SessionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusCompleted, got.Status)

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, MsgSessionAbsent, decodeError(t, rec))
}

func TestGetStats(t *testing.T) {
	ts := newTestServer(t, nil, framesOpener(0), nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp dto.StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.ActiveSessions)
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	cfg := &config.Config{MaxUploadSize: 1 << 20, JWTSecret: "test-secret"}
	ts := newTestServer(t, cfg, framesOpener(0), nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")

	token, err := GenerateToken([]byte("test-secret"), "tester", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type failingLookup struct{ err error }

func (f failingLookup) Get(context.Context, string) (models.SessionSnapshot, error) {
	return models.SessionSnapshot{}, f.err
}

func TestStatusLookupsFallThrough(t *testing.T) {
	audit := &fakeLookup{snaps: map[string]models.SessionSnapshot{
		"old-1": {ID: "old-1", Status: models.StatusFailed},
	}}
	cache := &fakeLookup{snaps: map[string]models.SessionSnapshot{}}

	chain := StatusLookups{cache, audit}
	snap, err := chain.Get(context.Background(), "old-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, snap.Status)

	_, err = chain.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)

	down := errors.New("redis: connection refused")
	_, err = StatusLookups{failingLookup{err: down}, cache}.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, down, "backend failures are not reported as a miss")

	snap, err = StatusLookups{failingLookup{err: down}, audit}.Get(context.Background(), "old-1")
	require.NoError(t, err, "a broken first store does not hide the second")
	assert.Equal(t, "old-1", snap.ID)
}

func TestGetSessionFallsBackToAuditStore(t *testing.T) {
	audit := &fakeLookup{snaps: map[string]models.SessionSnapshot{
		"old-1": {ID: "old-1", Status: models.StatusCompleted},
	}}
	ts := newTestServer(t, nil, framesOpener(0), StatusLookups{audit})

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/old-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got models.SessionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "old-1", got.ID)
}
