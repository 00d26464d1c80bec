// Package dto defines the report API request and response types shared by the
// development backend and the API client.
package dto

import (
	"encoding/json"
	"fmt"
	"slices"

	apierrors "github.com/medscribe/medscribe/internal/errors"
	"github.com/medscribe/medscribe/internal/reports"
)

// --- Generation ---

// GenerateMetadata is the "metadata" multipart field of a generation request.
type GenerateMetadata struct {
	PatientName     string            `json:"patientName"`
	Timestamp       string            `json:"timestamp"`
	Duration        float64           `json:"duration" jsonschema:"description=Recording length in milliseconds"`
	Pronouns        string            `json:"pronouns,omitempty"`
	PatientOrClient string            `json:"patientOrClient,omitempty"`
	IsFollowUp      bool              `json:"isFollowUp,omitempty"`
	LastVisitID     string            `json:"lastVisitID,omitempty"`
	VisitContext    string            `json:"visitContext,omitempty"`
	Styles          map[string]string `json:"styles,omitempty" jsonschema:"description=Writing style per content section"`
}

// Validate validates the generation metadata.
func (r *GenerateMetadata) Validate() error {
	if r.PatientName == "" {
		return apierrors.MissingField("patientName")
	}
	if r.Duration < 0 {
		return apierrors.InvalidFormat("duration", "must not be negative")
	}
	if err := validatePronouns(r.Pronouns); err != nil {
		return err
	}
	return validateStyles(r.Styles)
}

// UpdateField is a field assignment carried by a regeneration request.
type UpdateField struct {
	Key   string          `json:"Key"`
	Value json.RawMessage `json:"Value"`
}

// RegenerateRequest asks the backend to rewrite the content of an existing
// report.
type RegenerateRequest struct {
	ID           string            `json:"ID"`
	Sections     []string          `json:"sections,omitempty" jsonschema:"description=Sections to regenerate; all when empty"`
	Styles       map[string]string `json:"styles,omitempty"`
	Updates      []UpdateField     `json:"updates,omitempty"`
	LastVisitID  string            `json:"lastVisitID,omitempty"`
	VisitContext string            `json:"visitContext,omitempty"`
}

// Validate validates the regeneration request.
func (r *RegenerateRequest) Validate() error {
	if r.ID == "" {
		return apierrors.MissingField("ID")
	}
	for _, s := range r.Sections {
		if !reports.IsContentSection(s) {
			return apierrors.InvalidFormat("sections", fmt.Sprintf("unknown section %q", s))
		}
	}
	for _, u := range r.Updates {
		if u.Key == "" {
			return apierrors.MissingField("updates.Key")
		}
		if u.Key == reports.FieldID || u.Key == reports.FieldProviderID {
			return apierrors.InvalidFormat("updates", fmt.Sprintf("%s cannot be updated", u.Key))
		}
	}
	return validateStyles(r.Styles)
}

// --- Reports ---

// GetReportRequest fetches one report.
type GetReportRequest struct {
	ReportID string `json:"reportID" path:"reportID"`
}

// Validate validates the request.
func (r *GetReportRequest) Validate() error {
	if r.ReportID == "" {
		return apierrors.MissingField("reportID")
	}
	return nil
}

// ListReportsRequest lists the caller's reports, newest first.
type ListReportsRequest struct {
	Limit int `json:"-" query:"limit"`
}

// Validate validates the request.
func (r *ListReportsRequest) Validate() error {
	if r.Limit < 0 {
		return apierrors.InvalidFormat("limit", "must not be negative")
	}
	return nil
}

// GetTranscriptRequest fetches the transcript a report was generated from.
type GetTranscriptRequest struct {
	ReportID string `json:"reportID"`
}

// Validate validates the request.
func (r *GetTranscriptRequest) Validate() error {
	if r.ReportID == "" {
		return apierrors.MissingField("reportID")
	}
	return nil
}

// ChangeNameRequest renames the patient of a report.
type ChangeNameRequest struct {
	ReportID string `json:"reportID"`
	NewName  string `json:"newName"`
}

// Validate validates the request.
func (r *ChangeNameRequest) Validate() error {
	if r.ReportID == "" {
		return apierrors.MissingField("reportID")
	}
	if r.NewName == "" {
		return apierrors.MissingField("newName")
	}
	return nil
}

// UpdateContentSectionRequest replaces the text of one content section.
type UpdateContentSectionRequest struct {
	ReportID       string `json:"reportID"`
	ContentSection string `json:"contentSection"`
	Content        string `json:"content"`
}

// Validate validates the request.
func (r *UpdateContentSectionRequest) Validate() error {
	if r.ReportID == "" {
		return apierrors.MissingField("reportID")
	}
	if !reports.IsContentSection(r.ContentSection) {
		return apierrors.InvalidFormat("contentSection", fmt.Sprintf("unknown section %q", r.ContentSection))
	}
	return nil
}

// DeleteReportsRequest deletes reports.
type DeleteReportsRequest struct {
	ReportIDs []string `json:"reportIDs"`
}

// Validate validates the request.
func (r *DeleteReportsRequest) Validate() error {
	if len(r.ReportIDs) == 0 {
		return apierrors.MissingField("reportIDs")
	}
	if slices.Contains(r.ReportIDs, "") {
		return apierrors.InvalidFormat("reportIDs", "empty identifier")
	}
	return nil
}

// --- Misc ---

// HealthRequest is the request type for health check (empty).
type HealthRequest struct{}

// Validate is a no-op for HealthRequest.
func (r *HealthRequest) Validate() error {
	return nil
}

// SchemaRequest is the request for the update message JSON schema (empty).
type SchemaRequest struct{}

// Validate is a no-op for SchemaRequest.
func (r *SchemaRequest) Validate() error {
	return nil
}

func validatePronouns(p string) error {
	switch p {
	case "", reports.He, reports.She, reports.They:
		return nil
	}
	return apierrors.InvalidFormat("pronouns", fmt.Sprintf("unknown value %q", p))
}

func validateStyles(styles map[string]string) error {
	for s := range styles {
		if !reports.IsContentSection(s) {
			return apierrors.InvalidFormat("styles", fmt.Sprintf("unknown section %q", s))
		}
	}
	return nil
}
