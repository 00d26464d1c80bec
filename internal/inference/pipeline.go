// Runs note generation jobs and emits their NDJSON update stream.

package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/maruel/ksid"
	"github.com/medscribe/medscribe/internal/jsonldb"
	"github.com/medscribe/medscribe/internal/ndjson"
	"github.com/medscribe/medscribe/internal/reports"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound is returned when a regeneration targets a missing report.
	ErrNotFound = errors.New("report not found")
	// ErrForbidden is returned when a provider regenerates another provider's
	// report.
	ErrForbidden = errors.New("report belongs to another provider")
	// ErrInvalidUpdate is returned when a regeneration carries an update that
	// does not fit the report.
	ErrInvalidUpdate = errors.New("invalid update")
)

// Transcript is the text a report was generated from.
type Transcript struct {
	ID   string `json:"id" jsonschema:"description=Report identifier"`
	Text string `json:"text"`
}

// Clone returns a copy.
func (t *Transcript) Clone() *Transcript {
	c := *t
	return &c
}

// GetID returns the report identifier.
func (t *Transcript) GetID() string {
	return t.ID
}

// Validate checks the transcript can be stored.
func (t *Transcript) Validate() error {
	if t.ID == "" {
		return errors.New("transcript id is required")
	}
	return nil
}

// GenerateRequest describes a new visit to write up.
type GenerateRequest struct {
	ProviderID      string
	PatientName     string
	Timestamp       string
	Duration        float64
	Pronouns        string
	PatientOrClient string
	IsFollowUp      bool
	VisitContext    string
	Styles          map[string]string
	Audio           io.Reader
}

// Field is a key and raw JSON value.
type Field struct {
	Key   string
	Value json.RawMessage
}

// RegenerateRequest describes a rewrite of an existing report.
type RegenerateRequest struct {
	ProviderID   string
	ID           string
	Sections     []string
	Styles       map[string]string
	Updates      []Field
	VisitContext string
}

// generated lists the keys written by the generator, in emission order for
// the summaries that follow the content sections.
var generated = append(slices.Clone(reports.ContentSections), reports.FieldOneLinerSummary, reports.FieldShortSummary)

// Pipeline turns recordings into streamed reports.
type Pipeline struct {
	Generator   Generator
	Transcriber Transcriber
	Reports     *jsonldb.Table[*reports.Report]
	Transcripts *jsonldb.Table[*Transcript]
	// NewID returns a fresh report identifier. Defaults to ksid.
	NewID func() string
}

// NewPipeline opens the report and transcript tables under dataDir.
func NewPipeline(dataDir string, gen Generator, tr Transcriber) (*Pipeline, error) {
	rt, err := jsonldb.NewTable[*reports.Report](filepath.Join(dataDir, "reports.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open reports table: %w", err)
	}
	tt, err := jsonldb.NewTable[*Transcript](filepath.Join(dataDir, "transcripts.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open transcripts table: %w", err)
	}
	return &Pipeline{Generator: gen, Transcriber: tr, Reports: rt, Transcripts: tt}, nil
}

// Generate transcribes req.Audio, stores a new report and streams its
// content to out: the identity first, then the visit metadata, then every
// section as it completes, then finishedGenerating. out is closed on return.
//
// Transcription failures are returned before anything is stored or sent.
func (p *Pipeline) Generate(ctx context.Context, req GenerateRequest, out chan<- ndjson.UpdateMessage) error {
	defer close(out)
	transcript, err := p.Transcriber.Transcribe(ctx, req.Audio)
	if err != nil {
		return fmt.Errorf("failed to transcribe recording: %w", err)
	}
	id := p.newID()
	r := reports.NewPlaceholder(reports.CreateRequest{
		ID:         id,
		ProviderID: req.ProviderID,
		Name:       req.PatientName,
		Timestamp:  req.Timestamp,
		Duration:   req.Duration,
	})
	r.Pronouns = req.Pronouns
	r.PatientOrClient = req.PatientOrClient
	r.IsFollowUp = req.IsFollowUp
	if err := p.Reports.Append(r); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	if err := p.Transcripts.Append(&Transcript{ID: id, Text: transcript}); err != nil {
		return fmt.Errorf("failed to store transcript: %w", err)
	}
	slog.InfoContext(ctx, "Generating report", "id", id, "provider", req.ProviderID, "transcriptBytes", len(transcript))

	if err := send(ctx, out, ndjson.IDKey, id); err != nil {
		return err
	}
	meta := []Field{
		{reports.FieldPronouns, mustJSON(req.Pronouns)},
		{reports.FieldPatientOrClient, mustJSON(req.PatientOrClient)},
		{reports.FieldIsFollowUp, mustJSON(req.IsFollowUp)},
	}
	for _, f := range meta {
		if err := send(ctx, out, f.Key, f.Value); err != nil {
			return err
		}
	}
	results, err := p.generate(ctx, out, withContext(transcript, req.VisitContext), generated, req.Styles, nil)
	if err != nil {
		return err
	}
	if err := p.finish(id, nil, results); err != nil {
		return err
	}
	return send(ctx, out, reports.FieldFinishedGenerating, true)
}

// Regenerate applies req.Updates to an existing report, rewrites the
// requested sections and streams the changes to out. No identity message is
// sent. out is closed on return.
func (p *Pipeline) Regenerate(ctx context.Context, req RegenerateRequest, out chan<- ndjson.UpdateMessage) error {
	defer close(out)
	r, err := p.Reports.Get(req.ID)
	if err != nil {
		if errors.Is(err, jsonldb.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, req.ID)
		}
		return err
	}
	if r.ProviderID != req.ProviderID {
		return fmt.Errorf("%w: %s", ErrForbidden, req.ID)
	}
	// Check every update before streaming anything.
	req.Updates = slices.Clone(req.Updates)
	for i, u := range req.Updates {
		if len(u.Value) == 0 {
			req.Updates[i].Value = json.RawMessage("null")
		}
		if err := reports.CheckValue(u.Key, req.Updates[i].Value); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
		}
		next, err := r.With(u.Key, u.Value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
		}
		r = next
	}
	transcript := ""
	if t, err := p.Transcripts.Get(req.ID); err == nil {
		transcript = t.Text
	} else {
		slog.WarnContext(ctx, "Regenerating without transcript", "id", req.ID, "err", err)
	}
	sections := req.Sections
	if len(sections) == 0 {
		sections = generated
	}
	slog.InfoContext(ctx, "Regenerating report", "id", req.ID, "sections", len(sections), "updates", len(req.Updates))

	for _, u := range req.Updates {
		if err := send(ctx, out, u.Key, u.Value); err != nil {
			return err
		}
	}
	previous := func(section string) string {
		if c, ok := r.Section(section); ok {
			return c.Data
		}
		if section == reports.FieldOneLinerSummary {
			return r.OneLinerSummary
		}
		return r.ShortSummary
	}
	results, err := p.generate(ctx, out, withContext(transcript, req.VisitContext), sections, req.Styles, previous)
	if err != nil {
		return err
	}
	if err := p.finish(req.ID, req.Updates, results); err != nil {
		return err
	}
	return send(ctx, out, reports.FieldFinishedGenerating, true)
}

// generate runs the generator for every section concurrently and sends each
// result as soon as it is ready.
func (p *Pipeline) generate(ctx context.Context, out chan<- ndjson.UpdateMessage, transcript string, sections []string, styles map[string]string, previous func(string) string) (map[string]string, error) {
	eg, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	results := make(map[string]string, len(sections))
	for _, s := range sections {
		eg.Go(func() error {
			prev := ""
			if previous != nil {
				prev = previous(s)
			}
			text, err := p.Generator.Section(ctx, transcript, s, styles[s], prev)
			if err != nil {
				return fmt.Errorf("failed to generate %s: %w", s, err)
			}
			mu.Lock()
			results[s] = text
			mu.Unlock()
			return send(ctx, out, s, text)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// finish persists the updates and generated text and marks the report done.
func (p *Pipeline) finish(id string, updates []Field, results map[string]string) error {
	_, err := p.Reports.Modify(id, func(r *reports.Report) error {
		cur := r
		for _, u := range updates {
			next, err := cur.With(u.Key, u.Value)
			if err != nil {
				return err
			}
			cur = next
		}
		for k, v := range results {
			next, err := cur.With(k, mustJSON(v))
			if err != nil {
				return err
			}
			cur = next
		}
		cur.FinishedGenerating = true
		*r = *cur
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", id, err)
	}
	return nil
}

func (p *Pipeline) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return ksid.NewID().String()
}

func send(ctx context.Context, out chan<- ndjson.UpdateMessage, key string, v any) error {
	msg, err := ndjson.NewUpdate(key, v)
	if err != nil {
		return err
	}
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func withContext(transcript, visitContext string) string {
	if visitContext == "" {
		return transcript
	}
	return visitContext + "\n" + transcript
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
