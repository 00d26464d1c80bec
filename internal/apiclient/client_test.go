package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medscribe/medscribe/internal/inference"
	"github.com/medscribe/medscribe/internal/ndjson"
	"github.com/medscribe/medscribe/internal/registry"
	"github.com/medscribe/medscribe/internal/reports"
	"github.com/medscribe/medscribe/internal/server"
	"github.com/medscribe/medscribe/internal/server/dto"
	"github.com/medscribe/medscribe/internal/stream"
)

var testSecret = []byte("client-test-secret")

// newBackend starts a development backend and returns a client for provider.
func newBackend(t *testing.T, provider string) (*Client, *inference.Pipeline) {
	t.Helper()
	p, err := inference.NewPipeline(t.TempDir(), inference.EchoGenerator{Words: 3}, inference.PlainText{})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(server.NewRouter(p, &server.Config{JWTSecret: testSecret}))
	t.Cleanup(srv.Close)
	tok, err := server.IssueToken(testSecret, provider, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c := New(srv.URL+"/", tok)
	c.HTTP = srv.Client()
	return c, p
}

func newSession(c *Client) *Session {
	store := reports.NewStore()
	reg := registry.New()
	return &Session{
		Client:     c,
		Processor:  stream.NewProcessor(store, reg, nil),
		Poller:     &Poller{Client: c, Registry: reg, Store: store, Attempts: 3, Interval: time.Millisecond},
		ProviderID: "prov1",
	}
}

func TestSessionGenerate(t *testing.T) {
	c, _ := newBackend(t, "prov1")
	s := newSession(c)
	req := GenerateRequest{
		Metadata: dto.GenerateMetadata{PatientName: "Ada", Duration: 90000, Pronouns: reports.She},
		Audio:    strings.NewReader("sore throat since monday no fever"),
		Filename: "visit.txt",
	}
	r, res, err := s.Generate(t.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.ID == "" || res.Dangling != 0 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}
	if !r.FinishedGenerating || r.Name != "Ada" || r.Pronouns != reports.She {
		t.Errorf("report = %+v", r)
	}
	if got, want := r.Subjective.Data, "Subjective: sore throat since"; got != want {
		t.Errorf("subjective = %q, want %q", got, want)
	}
	stored, ok := s.Poller.Store.Get(res.ID)
	if !ok || !stored.FinishedGenerating || stored.Loading() {
		t.Errorf("stored = %+v", stored)
	}
	if s.Poller.Registry.Contains(res.ID) {
		t.Error("report still registered as streaming")
	}
	if s.Poller.Store.Selected() != res.ID {
		t.Errorf("selected = %q", s.Poller.Store.Selected())
	}

	t.Run("regenerate", func(t *testing.T) {
		r, _, err := s.Regenerate(t.Context(), &dto.RegenerateRequest{
			ID:       res.ID,
			Sections: []string{reports.Planning},
			Styles:   map[string]string{reports.Planning: "bullets"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got, want := r.Planning.Data, "Revised Plan: sore throat since (bullets)"; got != want {
			t.Errorf("planning = %q, want %q", got, want)
		}
		if r.Subjective.Data != "Subjective: sore throat since" {
			t.Errorf("subjective changed: %q", r.Subjective.Data)
		}
	})

	t.Run("regenerate unknown locally", func(t *testing.T) {
		fresh := newSession(c)
		r, _, err := fresh.Regenerate(t.Context(), &dto.RegenerateRequest{ID: res.ID, Sections: []string{reports.Summary}})
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := fresh.Poller.Store.Get(r.ID); !ok {
			t.Error("report not loaded into the store")
		}
	})
}

func TestClientEdits(t *testing.T) {
	c, p := newBackend(t, "prov1")
	s := newSession(c)
	ctx := t.Context()
	var ids []string
	for _, name := range []string{"Ada", "Bob"} {
		r, _, err := s.Generate(ctx, GenerateRequest{
			Metadata: dto.GenerateMetadata{PatientName: name},
			Audio:    strings.NewReader("follow up on blood pressure"),
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.ID)
	}

	list, err := c.ListReports(ctx, 0)
	if err != nil || len(list) != 2 || list[0].ID != ids[1] {
		t.Fatalf("ListReports = %v, %v", list, err)
	}
	if list, _ := c.ListReports(ctx, 1); len(list) != 1 {
		t.Errorf("ListReports(1) returned %d", len(list))
	}
	if tr, err := c.GetTranscript(ctx, ids[0]); err != nil || tr != "follow up on blood pressure" {
		t.Errorf("GetTranscript = %q, %v", tr, err)
	}
	if err := c.ChangeName(ctx, ids[0], "Ada L."); err != nil {
		t.Fatal(err)
	}
	if err := c.UpdateContentSection(ctx, ids[0], reports.Assessment, "Stable."); err != nil {
		t.Fatal(err)
	}
	r, err := c.GetReport(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "Ada L." || r.Assessment.Data != "Stable." {
		t.Errorf("report = %+v", r)
	}

	var se *StatusError
	if err := c.UpdateContentSection(ctx, ids[0], "bogus", "x"); !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest || se.Code != "INVALID_FORMAT" {
		t.Errorf("UpdateContentSection(bogus) = %v", err)
	}
	if _, err := c.GetReport(ctx, "missing"); !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Errorf("GetReport(missing) = %v", err)
	}

	n, err := c.Delete(ctx, ids[0], "missing")
	if err != nil || n != 1 {
		t.Errorf("Delete = %d, %v", n, err)
	}
	if p.Reports.Len() != 1 {
		t.Errorf("backend holds %d reports", p.Reports.Len())
	}

	fresh := newSession(c)
	if n, err := fresh.Sync(ctx); err != nil || n != 1 {
		t.Errorf("Sync = %d, %v", n, err)
	}
	if _, ok := fresh.Poller.Store.Get(ids[1]); !ok {
		t.Error("synced report missing")
	}
}

func TestUnauthorized(t *testing.T) {
	c, _ := newBackend(t, "prov1")
	c.Token = "not-a-token"
	if _, err := c.ListReports(t.Context(), 0); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ListReports = %v", err)
	}
	_, err := c.Generate(t.Context(), GenerateRequest{
		Metadata: dto.GenerateMetadata{PatientName: "Ada"},
		Audio:    strings.NewReader("hello"),
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Generate = %v", err)
	}
}

func TestGenerateRejected(t *testing.T) {
	c, _ := newBackend(t, "prov1")
	_, err := c.Generate(t.Context(), GenerateRequest{
		Metadata: dto.GenerateMetadata{},
		Audio:    strings.NewReader("hello"),
	})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != "MISSING_FIELD" {
		t.Errorf("Generate = %v", err)
	}
}

func TestStreamTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	c := &Client{BaseURL: srv.URL, HTTP: srv.Client(), Timeout: 20 * time.Millisecond}
	_, err := c.Regenerate(t.Context(), &dto.RegenerateRequest{ID: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Regenerate = %v", err)
	}
}

func TestStreamOutlivesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ndjson.ContentType)
		nw := ndjson.NewWriter(w)
		_ = nw.Write(ndjson.UpdateMessage{Key: ndjson.IDKey, Value: json.RawMessage(`"r1"`)})
		time.Sleep(60 * time.Millisecond)
		_ = nw.Write(ndjson.UpdateMessage{Key: reports.FieldFinishedGenerating, Value: json.RawMessage(`true`)})
	}))
	t.Cleanup(srv.Close)
	c := &Client{BaseURL: srv.URL, HTTP: srv.Client(), Timeout: 20 * time.Millisecond}
	body, err := c.Regenerate(t.Context(), &dto.RegenerateRequest{ID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("read %d lines: %q", got, data)
	}
}

func TestPollerNotFinished(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(&reports.Report{ID: "r1", Name: "Ada"})
	}))
	t.Cleanup(srv.Close)
	store := reports.NewStore(&reports.Report{ID: "r1"})
	p := &Poller{
		Client:   &Client{BaseURL: srv.URL, HTTP: srv.Client()},
		Registry: registry.New(),
		Store:    store,
		Attempts: 3,
		Interval: time.Millisecond,
	}
	r, err := p.Finalize(t.Context(), "r1")
	if !errors.Is(err, ErrNotFinished) {
		t.Fatalf("Finalize = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("fetched %d times, want 3", calls.Load())
	}
	if r == nil || r.Name != "Ada" {
		t.Errorf("last = %+v", r)
	}
	if got, _ := store.Get("r1"); got.Name != "Ada" {
		t.Errorf("store not updated: %+v", got)
	}
}

func TestPollerWaitsForStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&reports.Report{ID: "r1", FinishedGenerating: true})
	}))
	t.Cleanup(srv.Close)
	reg := registry.New()
	reg.Add("r1")
	p := &Poller{
		Client:   &Client{BaseURL: srv.URL, HTTP: srv.Client()},
		Registry: reg,
		Store:    reports.NewStore(),
		Interval: time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Finalize(ctx, "r1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Finalize while streaming = %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := p.Finalize(t.Context(), "r1")
		done <- err
	}()
	reg.Remove("r1")
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestTokenExpiry(t *testing.T) {
	tok, err := server.IssueToken(testSecret, "prov1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	exp, err := TokenExpiry(tok)
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Until(exp); d < 59*time.Minute || d > time.Hour+time.Minute {
		t.Errorf("expiry in %s", d)
	}
	if sub, err := TokenSubject(tok); err != nil || sub != "prov1" {
		t.Errorf("TokenSubject = %q, %v", sub, err)
	}
	if _, err := TokenExpiry("garbage"); err == nil {
		t.Error("expected error")
	}
}
