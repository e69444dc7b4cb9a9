package api

import (
	"net/http"
	"time"

	"github.com/Shi33/trae-test-split-images/internal/config"
)

// NewHTTPServer builds the server. WriteTimeout defaults to none so long
// upload streams are not cut off.
func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
}
