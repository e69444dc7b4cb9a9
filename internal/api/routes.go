package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func SetupRoutes(handler *Handler) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)

	// Processing endpoints, behind auth when a secret is configured
	processing := router.NewRoute().Subrouter()
	processing.HandleFunc("/enhance", handler.Enhance).Methods(http.MethodPost)
	processing.HandleFunc("/upload", handler.Upload).Methods(http.MethodPost)
	processing.HandleFunc("/api/sessions/{id}", handler.GetSession).Methods(http.MethodGet)
	processing.HandleFunc("/api/stats", handler.GetStats).Methods(http.MethodGet)
	if handler.config.JWTSecret != "" {
		processing.Use(AuthMiddleware([]byte(handler.config.JWTSecret)))
	}

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	var h http.Handler = router
	h = RecoveryMiddleware(h)
	h = LoggingMiddleware(h)
	return h
}
