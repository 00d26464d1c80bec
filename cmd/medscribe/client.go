// Subcommands that talk to the report backend.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/medscribe/medscribe/internal/apiclient"
	"github.com/medscribe/medscribe/internal/registry"
	"github.com/medscribe/medscribe/internal/reports"
	"github.com/medscribe/medscribe/internal/server/dto"
	"github.com/medscribe/medscribe/internal/stream"
)

// client bundles the local collection and the backend session.
type client struct {
	session   *apiclient.Session
	store     *reports.Store
	storePath string
}

func newClient(ctx context.Context, g *globals) (*client, error) {
	cfg := g.cfg
	if cfg.Token == "" {
		return nil, errors.New("no token: set token in the config file or MEDSCRIBE_TOKEN")
	}
	providerID := cfg.ProviderID
	if exp, err := apiclient.TokenExpiry(cfg.Token); err != nil {
		slog.WarnContext(ctx, "Could not read token expiration", "err", err)
	} else if d := time.Until(exp); d <= 0 {
		return nil, fmt.Errorf("token expired at %s", exp.Format(time.RFC3339))
	} else if d < 5*time.Minute {
		slog.WarnContext(ctx, "Token expires soon", "in", d.Round(time.Second))
	}
	if providerID == "" {
		sub, err := apiclient.TokenSubject(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("provider_id is not set and the token has no subject: %w", err)
		}
		providerID = sub
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	storePath := filepath.Join(cfg.DataDir, "client_reports.jsonl")
	store, err := reports.LoadStore(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load local reports: %w", err)
	}
	reg := registry.New()
	c := apiclient.New(cfg.BaseURL, cfg.Token)
	c.Timeout = cfg.Timeout
	return &client{
		session: &apiclient.Session{
			Client:    c,
			Processor: stream.NewProcessor(store, reg, slog.Default()),
			Poller: &apiclient.Poller{
				Client:   c,
				Registry: reg,
				Store:    store,
				Attempts: cfg.Poll.Attempts,
				Interval: cfg.Poll.Interval,
			},
			ProviderID: providerID,
		},
		store:     store,
		storePath: storePath,
	}, nil
}

func (c *client) save(ctx context.Context) {
	if err := c.store.Save(c.storePath); err != nil {
		slog.ErrorContext(ctx, "Failed to save local reports", "path", c.storePath, "err", err)
	}
}

// progress logs each change to the collection until the returned function is
// called.
func (c *client) progress(ctx context.Context) func() {
	ch, cancel := c.store.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for id := range ch {
			r, ok := c.store.Get(id)
			if !ok {
				continue
			}
			pending := 0
			for _, s := range reports.ContentSections {
				if sec, _ := r.Section(s); sec.Loading {
					pending++
				}
			}
			slog.DebugContext(ctx, "Report changed", "id", id, "pending", pending, "finished", r.FinishedGenerating)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func logResult(ctx context.Context, res stream.Result, err error) {
	attrs := []any{"id", res.ID, "lines", res.Lines, "applied", res.Applied, "skipped", res.Skipped, "dangling", res.Dangling}
	if errors.Is(err, apiclient.ErrNotFinished) {
		slog.WarnContext(ctx, "Report not finished after polling", attrs...)
		return
	}
	slog.InfoContext(ctx, "Stream processed", attrs...)
}

func cmdGenerate(ctx context.Context, g *globals, args []string) error {
	fs := newFlagSet("generate", "")
	name := fs.String("name", "", "Patient name")
	audio := fs.String("audio", "", "Recording to upload")
	duration := fs.Duration("duration", 0, "Recording length")
	pronouns := fs.String("pronouns", "", "Patient pronouns (HE, SHE, They)")
	followUp := fs.Bool("follow-up", false, "Visit is a follow up")
	lastVisit := fs.String("last-visit", "", "Identifier of the previous visit report")
	var styles keyValue
	fs.Var(&styles, "style", "Writing style as section=style, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	if *audio == "" {
		return errors.New("-audio is required")
	}
	if *name == "" {
		*name = strings.TrimSuffix(filepath.Base(*audio), filepath.Ext(*audio))
	}
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	meta := dto.GenerateMetadata{
		PatientName: *name,
		Duration:    float64(duration.Milliseconds()),
		Pronouns:    *pronouns,
		IsFollowUp:  *followUp,
		LastVisitID: *lastVisit,
	}
	for _, kv := range styles {
		if meta.Styles == nil {
			meta.Styles = map[string]string{}
		}
		meta.Styles[kv[0]] = kv[1]
	}
	r, err := c.submit(ctx, *audio, meta)
	if r != nil {
		if perr := printJSON(r); perr != nil {
			return perr
		}
	}
	return err
}

// submit uploads the recording at path and returns the finalized report.
func (c *client) submit(ctx context.Context, path string, meta dto.GenerateMetadata) (*reports.Report, error) {
	f, err := os.Open(path) //nolint:gosec // User-specified recording path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	stop := c.progress(ctx)
	r, res, err := c.session.Generate(ctx, apiclient.GenerateRequest{
		Metadata: meta,
		Audio:    f,
		Filename: filepath.Base(path),
	})
	stop()
	c.save(ctx)
	logResult(ctx, res, err)
	if err != nil && !errors.Is(err, apiclient.ErrNotFinished) {
		return nil, err
	}
	return r, err
}

func cmdRegenerate(ctx context.Context, g *globals, args []string) error {
	fs := newFlagSet("regenerate", "")
	id := fs.String("id", "", "Report identifier")
	var sections []string
	var updates, styles keyValue
	fs.Func("section", "Section to rewrite, repeatable; all when omitted", func(s string) error {
		sections = append(sections, s)
		return nil
	})
	fs.Var(&updates, "update", "Field assignment as key=value, repeatable; JSON values are sent as is")
	fs.Var(&styles, "style", "Writing style as section=style, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}
	req := &dto.RegenerateRequest{ID: *id, Sections: sections}
	for _, kv := range updates {
		req.Updates = append(req.Updates, dto.UpdateField{Key: kv[0], Value: fieldValue(kv[1])})
	}
	for _, kv := range styles {
		if req.Styles == nil {
			req.Styles = map[string]string{}
		}
		req.Styles[kv[0]] = kv[1]
	}
	if err := req.Validate(); err != nil {
		return err
	}
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	stop := c.progress(ctx)
	r, res, err := c.session.Regenerate(ctx, req)
	stop()
	c.save(ctx)
	logResult(ctx, res, err)
	if r != nil {
		if perr := printJSON(r); perr != nil {
			return perr
		}
	}
	return err
}

// fieldValue sends v as is when it is JSON, as a string otherwise.
func fieldValue(v string) json.RawMessage {
	if json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}
	b, _ := json.Marshal(v)
	return b
}

func cmdList(ctx context.Context, g *globals, args []string) error {
	fs := newFlagSet("list", "")
	limit := fs.Int("limit", 0, "Maximum number of reports")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	if _, err := c.session.Sync(ctx); err != nil {
		return err
	}
	c.save(ctx)
	for i, r := range c.store.List() {
		if *limit > 0 && i == *limit {
			break
		}
		state := "done"
		if !r.FinishedGenerating {
			state = "generating"
		}
		fmt.Printf("%s  %-10s  %s  %s\n", r.ID, state, r.Timestamp, r.Name)
	}
	return nil
}

func cmdGet(ctx context.Context, g *globals, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: medscribe get <id>")
	}
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	r, err := c.session.Client.GetReport(ctx, args[0])
	if err != nil {
		return err
	}
	c.store.Upsert(r)
	c.save(ctx)
	return printJSON(r)
}

func cmdTranscript(ctx context.Context, g *globals, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: medscribe transcript <id>")
	}
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	t, err := c.session.Client.GetTranscript(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(t)
	return nil
}

func cmdRename(ctx context.Context, g *globals, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: medscribe rename <id> <name>")
	}
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	if err := c.session.Client.ChangeName(ctx, args[0], args[1]); err != nil {
		return err
	}
	return c.apply(ctx, args[0], reports.FieldName, args[1])
}

func cmdSetSection(ctx context.Context, g *globals, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: medscribe set-section <id> <section> <text>")
	}
	if !reports.IsContentSection(args[1]) {
		return fmt.Errorf("unknown section %q, want one of %s", args[1], strings.Join(reports.ContentSections, ", "))
	}
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	if err := c.session.Client.UpdateContentSection(ctx, args[0], args[1], args[2]); err != nil {
		return err
	}
	return c.apply(ctx, args[0], args[1], args[2])
}

// apply mirrors an edit accepted by the backend into the local collection.
func (c *client) apply(ctx context.Context, id, key, value string) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.store.Update(reports.Update{ID: id, Key: key, Value: b}); err != nil && !errors.Is(err, reports.ErrUnknownReport) {
		return err
	}
	c.save(ctx)
	return nil
}

func cmdDelete(ctx context.Context, g *globals, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: medscribe delete <id>...")
	}
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	n, err := c.session.Client.Delete(ctx, args...)
	if err != nil {
		return err
	}
	c.store.Delete(args...)
	c.save(ctx)
	fmt.Printf("deleted %d of %d\n", n, len(args))
	return nil
}
