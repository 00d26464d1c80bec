// Reconciles a report generation NDJSON stream into the report collection.

// Package stream consumes the NDJSON stream of one report generation job and
// applies it, message by message, to the shared report collection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/medscribe/medscribe/internal/ndjson"
	"github.com/medscribe/medscribe/internal/registry"
	"github.com/medscribe/medscribe/internal/reports"
)

// Options configures one stream invocation.
type Options struct {
	// CreateReport materializes a newly announced report and reports whether
	// it was created. Defaults to the processor's Store.Create.
	//
	// The result only sets Result.Created and whether the report may become
	// the selected one. Updates are applied and the identifier is registered
	// as streaming either way.
	CreateReport func(reports.CreateRequest) bool
	// UpdateReport applies one field update. Defaults to the processor's
	// Store.Update.
	UpdateReport func(reports.Update) error

	// Metadata passed to CreateReport when the identity message arrives.
	ProviderID  string
	PatientName string
	Timestamp   string
	Duration    float64

	// RecordID, when set, names the report being regenerated. The identity
	// phase is skipped and every update targets this report.
	RecordID string
}

// Result summarizes one invocation.
type Result struct {
	// ID is the report identifier bound by the stream, if any.
	ID string
	// Created is true when this invocation materialized the report.
	Created  bool
	Lines    int
	Applied  int
	Skipped  int
	Dangling int
}

// Processor applies report generation streams.
//
// A Processor is safe for concurrent use; each call to [Processor.Process]
// owns its buffer and identity binding and shares only the store and the
// registry with other invocations.
type Processor struct {
	store    *reports.Store
	registry *registry.Registry
	logger   *slog.Logger
}

// NewProcessor returns a Processor. A nil logger uses slog.Default().
func NewProcessor(store *reports.Store, reg *registry.Registry, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, registry: reg, logger: logger}
}

// Process reads r until EOF and applies every valid message.
//
// Per-message problems are logged and skipped. Only a failure of the reader or
// cancellation of ctx is returned. The report bound by the stream is removed
// from the registry before Process returns, whatever the outcome.
func (p *Processor) Process(ctx context.Context, r io.Reader, opts Options) (res Result, err error) {
	run := p.newRun(opts)
	defer func() {
		run.finish(ctx)
		res = run.res
	}()

	f := ndjson.NewFramer(r)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		lines, err := f.Next()
		for _, line := range lines {
			run.handleLine(ctx, line)
		}
		if errors.Is(err, io.EOF) {
			// The server may end the last message without a newline.
			if rest := f.Rest(); rest != "" {
				run.handleLine(ctx, rest)
			}
			return Result{}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("failed to read report stream: %w", err)
		}
	}
}

type state int

const (
	awaitingIdentity state = iota
	identified
)

func (s state) String() string {
	if s == identified {
		return "identified"
	}
	return "awaiting_identity"
}

// run is the state of one Process invocation.
type run struct {
	p       *Processor
	opts    Options
	state   state
	pending []ndjson.UpdateMessage // updates received before the identity
	res     Result
}

func (p *Processor) newRun(opts Options) *run {
	if opts.CreateReport == nil {
		opts.CreateReport = p.store.Create
	}
	if opts.UpdateReport == nil {
		opts.UpdateReport = p.store.Update
	}
	r := &run{p: p, opts: opts}
	if opts.RecordID != "" {
		r.state = identified
		r.res.ID = opts.RecordID
	}
	return r
}

func (r *run) handleLine(ctx context.Context, line string) {
	msg, ok, err := ndjson.DecodeLine(line)
	if err != nil {
		r.res.Skipped++
		r.p.logger.WarnContext(ctx, "Skipping malformed stream message", "err", err, "line", line)
		return
	}
	if !ok {
		return
	}
	r.res.Lines++
	if msg.Key == ndjson.IDKey {
		r.resolveIdentity(ctx, msg)
		return
	}
	if r.state == awaitingIdentity {
		r.p.logger.WarnContext(ctx, "Update received before report identity, holding it", "key", msg.Key)
		r.pending = append(r.pending, msg)
		return
	}
	r.apply(ctx, msg)
}

func (r *run) resolveIdentity(ctx context.Context, msg ndjson.UpdateMessage) {
	id, err := msg.StringValue()
	if err == nil && id == "" {
		err = errors.New("empty identifier")
	}
	if err != nil {
		r.res.Skipped++
		r.p.logger.ErrorContext(ctx, "Report identity must be a non-empty string", "err", err, "value", string(msg.Value))
		return
	}
	if r.state == identified {
		r.res.Skipped++
		r.p.logger.ErrorContext(ctx, "Ignoring second report identity in stream", "id", r.res.ID, "conflict", id)
		return
	}
	r.state = identified
	r.res.ID = id
	r.p.registry.Add(id)
	created := r.opts.CreateReport(reports.CreateRequest{
		ID:         id,
		ProviderID: r.opts.ProviderID,
		Name:       r.opts.PatientName,
		Timestamp:  r.opts.Timestamp,
		Duration:   r.opts.Duration,
	})
	if created {
		r.res.Created = true
		if r.p.store != nil && r.p.store.SelectIfUnset(id) {
			r.p.logger.DebugContext(ctx, "Selected new report", "id", id)
		}
	}
	r.p.logger.InfoContext(ctx, "Report identified", "id", id, "created", created, "held", len(r.pending))
	pending := r.pending
	r.pending = nil
	for _, m := range pending {
		r.apply(ctx, m)
	}
}

func (r *run) apply(ctx context.Context, msg ndjson.UpdateMessage) {
	err := r.opts.UpdateReport(reports.Update{ID: r.res.ID, Key: msg.Key, Value: msg.Value})
	switch {
	case err == nil:
		r.res.Applied++
	case errors.Is(err, reports.ErrUnknownReport):
		r.res.Dangling++
		r.p.logger.WarnContext(ctx, "Dropping update for unknown report", "err", &DanglingUpdateError{ID: r.res.ID, Key: msg.Key, Err: err})
	default:
		r.res.Skipped++
		r.p.logger.ErrorContext(ctx, "Failed to apply report update", "id", r.res.ID, "key", msg.Key, "err", err)
	}
}

// finish runs on every exit path of Process.
func (r *run) finish(ctx context.Context) {
	for _, m := range r.pending {
		r.res.Dangling++
		r.p.logger.WarnContext(ctx, "Stream ended before report identity", "err", &DanglingUpdateError{Key: m.Key, Err: errNoIdentity})
	}
	r.pending = nil
	r.p.registry.Remove(r.res.ID)
	r.p.logger.DebugContext(ctx, "Report stream finished",
		"id", r.res.ID, "state", r.state, "lines", r.res.Lines, "applied", r.res.Applied,
		"skipped", r.res.Skipped, "dangling", r.res.Dangling)
}
