package dto

import "github.com/medscribe/medscribe/internal/reports"

// ListReportsResponse holds the caller's reports, newest first.
type ListReportsResponse struct {
	Reports []*reports.Report `json:"reports"`
}

// OKResponse acknowledges an edit.
type OKResponse struct {
	OK bool `json:"ok"`
}

// DeleteReportsResponse reports how many reports were deleted.
type DeleteReportsResponse struct {
	Deleted int `json:"deleted"`
}

// TranscriptResponse carries a report transcript.
type TranscriptResponse struct {
	ReportID   string `json:"reportID"`
	Transcript string `json:"transcript"`
}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
