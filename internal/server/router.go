// Package server implements the development report backend: the HTTP routes
// that stream generated notes as NDJSON and the JSON edit endpoints.
package server

import (
	"net/http"

	"github.com/medscribe/medscribe/internal/inference"
	"github.com/medscribe/medscribe/internal/server/handlers"
)

// Config holds server settings.
type Config struct {
	JWTSecret      []byte
	Version        string
	MaxUploadBytes int64
}

// NewRouter creates and configures the HTTP router.
func NewRouter(p *inference.Pipeline, cfg *Config) http.Handler {
	mux := &http.ServeMux{}
	rh := handlers.NewReportHandler(p, cfg.MaxUploadBytes)
	hh := handlers.NewHealthHandler(cfg.Version)
	auth := AuthMiddleware(cfg.JWTSecret)

	mux.Handle("GET /api/health", Wrap(hh.Health))
	mux.Handle("GET /api/schema/update", Wrap(handlers.UpdateSchema))

	// Streaming endpoints.
	mux.Handle("POST /report/generate", auth(http.HandlerFunc(rh.Generate)))
	mux.Handle("PATCH /report/regenerate", auth(http.HandlerFunc(rh.Regenerate)))

	mux.Handle("POST /report/get", WrapAuth(rh.GetReport, cfg.JWTSecret))
	mux.Handle("GET /report/{reportID}", WrapAuth(rh.GetReport, cfg.JWTSecret))
	mux.Handle("GET /report/list", WrapAuth(rh.ListReports, cfg.JWTSecret))
	mux.Handle("POST /report/getTranscript", WrapAuth(rh.GetTranscript, cfg.JWTSecret))
	mux.Handle("PATCH /report/changeName", WrapAuth(rh.ChangeName, cfg.JWTSecret))
	mux.Handle("PATCH /report/updateContentSection", WrapAuth(rh.UpdateContentSection, cfg.JWTSecret))
	mux.Handle("DELETE /report/delete", WrapAuth(rh.Delete, cfg.JWTSecret))
	return mux
}
