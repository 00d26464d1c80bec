package handlers

import (
	"context"

	"github.com/invopop/jsonschema"
	"github.com/medscribe/medscribe/internal/ndjson"
	"github.com/medscribe/medscribe/internal/server/dto"
)

// HealthHandler reports server status.
type HealthHandler struct {
	version string
}

// NewHealthHandler returns a HealthHandler reporting version.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version}
}

// Health returns the health status of the server.
func (h *HealthHandler) Health(ctx context.Context, req *dto.HealthRequest) (*dto.HealthResponse, error) {
	return &dto.HealthResponse{Status: "ok", Version: h.version}, nil
}

// UpdateSchema returns the JSON schema of one line of a report stream.
func UpdateSchema(ctx context.Context, req *dto.SchemaRequest) (*jsonschema.Schema, error) {
	return ndjson.UpdateSchema(), nil
}
