package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/medscribe/medscribe/internal/reports"
	"github.com/medscribe/medscribe/internal/server/dto"
	"github.com/medscribe/medscribe/internal/stream"
)

var errNoIdentity = errors.New("stream ended without a report identity")

// Session runs generation jobs end to end: it starts the job, reconciles the
// stream into the store, then fetches the final report.
type Session struct {
	Client    *Client
	Processor *stream.Processor
	Poller    *Poller
	// ProviderID is recorded on reports created by this session.
	ProviderID string
}

// Generate uploads a recording and returns the finalized report.
func (s *Session) Generate(ctx context.Context, req GenerateRequest) (*reports.Report, stream.Result, error) {
	if req.Metadata.Timestamp == "" {
		req.Metadata.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := s.Client.Generate(ctx, req)
	if err != nil {
		return nil, stream.Result{}, err
	}
	defer func() { _ = body.Close() }()
	res, err := s.Processor.Process(ctx, body, stream.Options{
		ProviderID:  s.ProviderID,
		PatientName: req.Metadata.PatientName,
		Timestamp:   req.Metadata.Timestamp,
		Duration:    req.Metadata.Duration,
	})
	if err != nil {
		return nil, res, err
	}
	if res.ID == "" {
		return nil, res, errNoIdentity
	}
	r, err := s.Poller.Finalize(ctx, res.ID)
	return r, res, err
}

// Regenerate rewrites sections of an existing report and returns the
// finalized report.
func (s *Session) Regenerate(ctx context.Context, req *dto.RegenerateRequest) (*reports.Report, stream.Result, error) {
	if _, ok := s.Poller.Store.Get(req.ID); !ok {
		r, err := s.Client.GetReport(ctx, req.ID)
		if err != nil {
			return nil, stream.Result{}, err
		}
		s.Poller.Store.Upsert(r)
	}
	body, err := s.Client.Regenerate(ctx, req)
	if err != nil {
		return nil, stream.Result{}, err
	}
	defer func() { _ = body.Close() }()
	res, err := s.Processor.Process(ctx, body, stream.Options{RecordID: req.ID})
	if err != nil {
		return nil, res, err
	}
	r, err := s.Poller.Finalize(ctx, req.ID)
	return r, res, err
}

// Sync loads the caller's reports from the backend into the store.
func (s *Session) Sync(ctx context.Context) (int, error) {
	list, err := s.Client.ListReports(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list reports: %w", err)
	}
	// The backend lists newest first and Upsert prepends.
	for i := len(list) - 1; i >= 0; i-- {
		s.Poller.Store.Upsert(list[i])
	}
	slog.DebugContext(ctx, "Reports synced", "count", len(list))
	return len(list), nil
}
