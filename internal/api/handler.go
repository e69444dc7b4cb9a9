package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Shi33/trae-test-split-images/internal/config"
	"github.com/Shi33/trae-test-split-images/internal/dto"
	"github.com/Shi33/trae-test-split-images/internal/enhance"
	"github.com/Shi33/trae-test-split-images/internal/media"
	"github.com/Shi33/trae-test-split-images/internal/models"
	"github.com/Shi33/trae-test-split-images/internal/repository"
	"github.com/Shi33/trae-test-split-images/internal/service"
)

// Client-facing error messages.
const (
	MsgNoImage       = "no image file provided"
	MsgNoVideo       = "no video file provided"
	MsgNoFile        = "no file selected"
	MsgBadImage      = "cannot read image file"
	MsgUploadTooBig  = "upload too large"
	MsgSessionAbsent = "session not found"
	MsgShuttingDown  = "server is shutting down"
)

const ndjsonContentType = "application/x-ndjson"

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temp files.
const multipartMemory = 32 << 20

// StatusLookup finds sessions that are no longer in memory.
type StatusLookup interface {
	Get(ctx context.Context, id string) (models.SessionSnapshot, error)
}

// StatusLookups tries each lookup in order and returns the first hit.
type StatusLookups []StatusLookup

func (l StatusLookups) Get(ctx context.Context, id string) (models.SessionSnapshot, error) {
	var errs []error
	for _, lookup := range l {
		snap, err := lookup.Get(ctx, id)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, repository.ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return models.SessionSnapshot{}, errors.Join(errs...)
	}
	return models.SessionSnapshot{}, repository.ErrSessionNotFound
}

type Handler struct {
	sessions *service.SessionService
	enhancer *enhance.Enhancer
	encoder  media.Encoder
	status   StatusLookup
	config   *config.Config
}

// NewHandler wires the endpoints. status may be nil.
func NewHandler(sessions *service.SessionService, enhancer *enhance.Enhancer, encoder media.Encoder, status StatusLookup, cfg *config.Config) *Handler {
	return &Handler{
		sessions: sessions,
		enhancer: enhancer,
		encoder:  encoder,
		status:   status,
		config:   cfg,
	}
}

func (handler *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := dto.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0.0",
	}
	handler.respondJSON(w, http.StatusOK, response)
}

// Enhance runs the still-image pipeline on the "image" field and returns the
// result inline as a JPEG data URI.
func (handler *Handler) Enhance(w http.ResponseWriter, r *http.Request) {
	file, header, status, msg := handler.formFile(w, r, "image", MsgNoImage)
	if file == nil {
		handler.respondError(w, status, msg)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		handler.respondError(w, http.StatusBadRequest, MsgBadImage)
		return
	}

	img, err := handler.enhancer.Enhance(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Enhance",
			"filename": header.Filename,
			"error":    err.Error(),
		}).Warn("Image enhancement failed")
		handler.respondError(w, http.StatusInternalServerError, MsgBadImage)
		return
	}

	encoded, err := handler.encoder.Encode(img)
	if err != nil {
		handler.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	handler.respondJSON(w, http.StatusOK, dto.EnhanceResponse{
		EnhancedImage: media.DataURI(handler.encoder.MimeType(), encoded),
	})
}

// Upload streams the frames of the "video" field back as newline-delimited
// JSON records. Once streaming has started failures are reported in-band.
func (handler *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	file, header, status, msg := handler.formFile(w, r, "video", MsgNoVideo)
	if file == nil {
		handler.respondError(w, status, msg)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	snap, err := handler.sessions.Process(r.Context(), file, header.Filename, w)
	if errors.Is(err, service.ErrShuttingDown) {
		handler.respondError(w, http.StatusServiceUnavailable, MsgShuttingDown)
		return
	}
	if errors.Is(err, service.ErrPersistUpload) {
		logrus.WithFields(logrus.Fields{
			"function": "Upload",
			"filename": header.Filename,
			"error":    err.Error(),
		}).Error("Failed to persist upload")
		handler.respondError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Upload",
			"session_id": snap.ID,
			"error":      err.Error(),
		}).Debug("Upload stream ended with error")
	}
}

// GetSession reports an in-flight session, or its last recorded state once it
// has finished.
func (handler *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if snap, ok := handler.sessions.Get(id); ok {
		handler.respondJSON(w, http.StatusOK, snap)
		return
	}

	if handler.status != nil {
		snap, err := handler.status.Get(r.Context(), id)
		if err == nil {
			handler.respondJSON(w, http.StatusOK, snap)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":   "GetSession",
			"session_id": id,
			"error":      err.Error(),
		}).Debug("Status lookup missed")
	}

	handler.respondError(w, http.StatusNotFound, MsgSessionAbsent)
}

func (handler *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ids := handler.sessions.ActiveSessions()
	handler.respondJSON(w, http.StatusOK, dto.StatsResponse{
		ActiveSessions: len(ids),
		SessionIDs:     ids,
	})
}

// formFile pulls a single uploaded file out of the request. On failure the
// file is nil and status/msg describe the client error.
func (handler *Handler) formFile(w http.ResponseWriter, r *http.Request, field, missingMsg string) (multipart.File, *multipart.FileHeader, int, string) {
	r.Body = http.MaxBytesReader(w, r.Body, handler.config.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, http.StatusRequestEntityTooLarge, MsgUploadTooBig
		}
		return nil, nil, http.StatusBadRequest, missingMsg
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		// A part sent without a filename is parsed as a plain value.
		if _, ok := r.MultipartForm.Value[field]; ok {
			return nil, nil, http.StatusBadRequest, MsgNoFile
		}
		return nil, nil, http.StatusBadRequest, missingMsg
	}
	if header.Filename == "" {
		file.Close()
		return nil, nil, http.StatusBadRequest, MsgNoFile
	}
	return file, header, 0, ""
}

func (handler *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

func (handler *Handler) respondError(w http.ResponseWriter, status int, message string) {
	handler.respondJSON(w, status, dto.ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    fmt.Sprint(err),
		}).Warn("Failed to write response")
	}
}
