// Handles report generation and editing requests.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	apierrors "github.com/medscribe/medscribe/internal/errors"
	"github.com/medscribe/medscribe/internal/inference"
	"github.com/medscribe/medscribe/internal/jsonldb"
	"github.com/medscribe/medscribe/internal/ndjson"
	"github.com/medscribe/medscribe/internal/reports"
	"github.com/medscribe/medscribe/internal/server/dto"
	"github.com/medscribe/medscribe/internal/server/reqctx"
	"github.com/medscribe/medscribe/internal/utils"
)

// DefaultMaxUploadBytes bounds a generation upload.
const DefaultMaxUploadBytes = 64 << 20

// ReportHandler serves the report API.
type ReportHandler struct {
	pipeline       *inference.Pipeline
	maxUploadBytes int64
}

// NewReportHandler returns a ReportHandler. maxUploadBytes <= 0 selects
// DefaultMaxUploadBytes.
func NewReportHandler(p *inference.Pipeline, maxUploadBytes int64) *ReportHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &ReportHandler{pipeline: p, maxUploadBytes: maxUploadBytes}
}

// Generate handles POST /report/generate. The request is multipart with a
// "metadata" JSON field and an "audio" file; the response is an NDJSON stream.
func (h *ReportHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.WarnContext(ctx, "Failed to parse upload", "err", err)
		utils.RespondError(w, apierrors.BadRequest("Invalid multipart request"))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()
	raw := r.FormValue("metadata")
	if raw == "" {
		utils.RespondError(w, apierrors.MissingField("metadata"))
		return
	}
	var meta dto.GenerateMetadata
	d := json.NewDecoder(strings.NewReader(raw))
	d.DisallowUnknownFields()
	if err := d.Decode(&meta); err != nil {
		utils.RespondError(w, apierrors.InvalidFormat("metadata", err.Error()))
		return
	}
	if err := meta.Validate(); err != nil {
		utils.RespondError(w, err)
		return
	}
	audio, _, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, apierrors.MissingField("audio"))
		return
	}
	defer func() {
		_ = audio.Close()
	}()

	req := inference.GenerateRequest{
		ProviderID:      reqctx.ProviderID(ctx),
		PatientName:     meta.PatientName,
		Timestamp:       meta.Timestamp,
		Duration:        meta.Duration,
		Pronouns:        meta.Pronouns,
		PatientOrClient: meta.PatientOrClient,
		IsFollowUp:      meta.IsFollowUp,
		VisitContext:    h.visitContext(meta.LastVisitID, meta.VisitContext, reqctx.ProviderID(ctx)),
		Styles:          meta.Styles,
		Audio:           audio,
	}
	streamUpdates(w, r, func(ctx context.Context, out chan<- ndjson.UpdateMessage) error {
		return h.pipeline.Generate(ctx, req, out)
	})
}

// Regenerate handles PATCH /report/regenerate. The response is an NDJSON
// stream without the identity message.
func (h *ReportHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in dto.RegenerateRequest
	d := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	d.DisallowUnknownFields()
	if err := d.Decode(&in); err != nil {
		utils.RespondError(w, apierrors.BadRequest("Invalid request body"))
		return
	}
	if err := in.Validate(); err != nil {
		utils.RespondError(w, err)
		return
	}
	providerID := reqctx.ProviderID(ctx)
	req := inference.RegenerateRequest{
		ProviderID:   providerID,
		ID:           in.ID,
		Sections:     in.Sections,
		Styles:       in.Styles,
		VisitContext: h.visitContext(in.LastVisitID, in.VisitContext, providerID),
	}
	for _, u := range in.Updates {
		req.Updates = append(req.Updates, inference.Field{Key: u.Key, Value: u.Value})
	}
	streamUpdates(w, r, func(ctx context.Context, out chan<- ndjson.UpdateMessage) error {
		return h.pipeline.Regenerate(ctx, req, out)
	})
}

// GetReport returns one of the caller's reports.
func (h *ReportHandler) GetReport(ctx context.Context, providerID string, req *dto.GetReportRequest) (*reports.Report, error) {
	return h.owned(providerID, req.ReportID)
}

// ListReports returns the caller's reports, newest first.
func (h *ReportHandler) ListReports(ctx context.Context, providerID string, req *dto.ListReportsRequest) (*dto.ListReportsResponse, error) {
	var out []*reports.Report
	for r := range h.pipeline.Reports.All() {
		if r.ProviderID == providerID {
			out = append(out, r)
		}
	}
	// Rows are appended in creation order.
	slices.Reverse(out)
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return &dto.ListReportsResponse{Reports: out}, nil
}

// GetTranscript returns the transcript of one of the caller's reports.
func (h *ReportHandler) GetTranscript(ctx context.Context, providerID string, req *dto.GetTranscriptRequest) (*dto.TranscriptResponse, error) {
	if _, err := h.owned(providerID, req.ReportID); err != nil {
		return nil, err
	}
	t, err := h.pipeline.Transcripts.Get(req.ReportID)
	if err != nil {
		return nil, apierrors.NotFound("transcript").Wrap(err)
	}
	return &dto.TranscriptResponse{ReportID: req.ReportID, Transcript: t.Text}, nil
}

// ChangeName renames the patient of a report.
func (h *ReportHandler) ChangeName(ctx context.Context, providerID string, req *dto.ChangeNameRequest) (*dto.OKResponse, error) {
	err := h.modify(providerID, req.ReportID, func(r *reports.Report) error {
		r.Name = req.NewName
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Report renamed", "id", req.ReportID)
	return &dto.OKResponse{OK: true}, nil
}

// UpdateContentSection replaces the text of one section.
func (h *ReportHandler) UpdateContentSection(ctx context.Context, providerID string, req *dto.UpdateContentSectionRequest) (*dto.OKResponse, error) {
	value, err := json.Marshal(req.Content)
	if err != nil {
		return nil, apierrors.InternalWithError("failed to encode content", err)
	}
	err = h.modify(providerID, req.ReportID, func(r *reports.Report) error {
		next, err := r.With(req.ContentSection, value)
		if err != nil {
			return apierrors.InvalidFormat("content", err.Error())
		}
		*r = *next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &dto.OKResponse{OK: true}, nil
}

// Delete removes the caller's reports and their transcripts. Identifiers of
// reports that do not exist or belong to someone else are ignored.
func (h *ReportHandler) Delete(ctx context.Context, providerID string, req *dto.DeleteReportsRequest) (*dto.DeleteReportsResponse, error) {
	var removed []string
	n, err := h.pipeline.Reports.Delete(func(r *reports.Report) bool {
		if r.ProviderID == providerID && slices.Contains(req.ReportIDs, r.ID) {
			removed = append(removed, r.ID)
			return true
		}
		return false
	})
	if err != nil {
		return nil, apierrors.Storage(err)
	}
	if _, err := h.pipeline.Transcripts.Delete(func(t *inference.Transcript) bool {
		return slices.Contains(removed, t.ID)
	}); err != nil {
		slog.ErrorContext(ctx, "Failed to delete transcripts", "ids", removed, "err", err)
	}
	slog.InfoContext(ctx, "Reports deleted", "requested", len(req.ReportIDs), "deleted", n)
	return &dto.DeleteReportsResponse{Deleted: n}, nil
}

// owned returns the report if it belongs to providerID.
func (h *ReportHandler) owned(providerID, id string) (*reports.Report, error) {
	r, err := h.pipeline.Reports.Get(id)
	if err != nil {
		if errors.Is(err, jsonldb.ErrNotFound) {
			return nil, apierrors.ReportNotFound(id)
		}
		return nil, apierrors.Storage(err)
	}
	if r.ProviderID != providerID {
		return nil, apierrors.Forbidden("report belongs to another provider")
	}
	return r, nil
}

func (h *ReportHandler) modify(providerID, id string, fn func(*reports.Report) error) error {
	_, err := h.pipeline.Reports.Modify(id, func(r *reports.Report) error {
		if r.ProviderID != providerID {
			return apierrors.Forbidden("report belongs to another provider")
		}
		return fn(r)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jsonldb.ErrNotFound):
		return apierrors.ReportNotFound(id)
	default:
		var ews apierrors.ErrorWithStatus
		if errors.As(err, &ews) {
			return err
		}
		return apierrors.Storage(err)
	}
}

// visitContext prepends the previous visit's summary to the caller supplied
// context, when lastVisitID names one of the caller's reports.
func (h *ReportHandler) visitContext(lastVisitID, visitContext, providerID string) string {
	if lastVisitID == "" {
		return visitContext
	}
	prev, err := h.owned(providerID, lastVisitID)
	if err != nil || prev.ShortSummary == "" {
		return visitContext
	}
	if visitContext == "" {
		return prev.ShortSummary
	}
	return prev.ShortSummary + "\n" + visitContext
}

// toAPIError maps pipeline failures to API errors.
func toAPIError(err error) error {
	var ews apierrors.ErrorWithStatus
	switch {
	case errors.As(err, &ews):
		return err
	case errors.Is(err, inference.ErrNotFound):
		return apierrors.NewAPIError(http.StatusNotFound, apierrors.ErrReportNotFound, "report not found").Wrap(err)
	case errors.Is(err, inference.ErrForbidden):
		return apierrors.Forbidden("report belongs to another provider").Wrap(err)
	case errors.Is(err, inference.ErrInvalidUpdate):
		return apierrors.BadRequest("invalid update").Wrap(err)
	case errors.Is(err, inference.ErrUnreadableRecording):
		return apierrors.InvalidFormat("audio", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apierrors.NewAPIError(http.StatusServiceUnavailable, apierrors.ErrInternal, "request canceled").Wrap(err)
	default:
		return apierrors.GenerationFailed(err)
	}
}
