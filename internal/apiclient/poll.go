package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/medscribe/medscribe/internal/registry"
	"github.com/medscribe/medscribe/internal/reports"
)

// Poll defaults.
const (
	DefaultPollAttempts = 20
	DefaultPollInterval = 4 * time.Second
)

// ErrNotFinished is returned when a report is still generating after the
// last poll.
var ErrNotFinished = errors.New("report still generating")

// Poller fetches the final version of a report once its stream is done.
type Poller struct {
	Client   *Client
	Registry *registry.Registry
	Store    *reports.Store
	// Attempts and Interval pace the fetches. Zero selects the defaults.
	Attempts int
	Interval time.Duration
}

// Finalize waits until id is no longer streaming, then fetches the report
// until the backend marks it finished. Every fetched version replaces the one
// in the store. On ErrNotFinished the last fetched version is returned with
// the error.
func (p *Poller) Finalize(ctx context.Context, id string) (*reports.Report, error) {
	if err := p.Registry.Wait(ctx, id); err != nil {
		return nil, err
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	lim := rate.NewLimiter(rate.Every(interval), 1)
	var last *reports.Report
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return last, err
		}
		r, err := p.Client.GetReport(ctx, id)
		if err != nil {
			var se *StatusError
			if errors.Is(err, ErrUnauthorized) || (errors.As(err, &se) && se.StatusCode < 500) {
				return last, fmt.Errorf("failed to fetch report %s: %w", id, err)
			}
			slog.WarnContext(ctx, "Failed to fetch report, retrying", "id", id, "attempt", attempt, "err", err)
			continue
		}
		last = r
		if !p.Store.Replace(r) {
			slog.InfoContext(ctx, "Report left the collection while finalizing", "id", id)
		}
		if r.FinishedGenerating {
			slog.DebugContext(ctx, "Report finalized", "id", id, "attempt", attempt)
			return r, nil
		}
	}
	return last, fmt.Errorf("%w: %s after %d attempts", ErrNotFinished, id, attempts)
}
