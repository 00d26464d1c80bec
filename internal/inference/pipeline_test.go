package inference

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/medscribe/medscribe/internal/ndjson"
	"github.com/medscribe/medscribe/internal/reports"
)

func newPipeline(t *testing.T, gen Generator) *Pipeline {
	t.Helper()
	p, err := NewPipeline(t.TempDir(), gen, PlainText{})
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	n := 0
	p.NewID = func() string {
		n++
		return "rep" + string(rune('0'+n))
	}
	return p
}

// collect runs fn and gathers everything it emits.
func collect(t *testing.T, fn func(chan<- ndjson.UpdateMessage) error) ([]ndjson.UpdateMessage, error) {
	t.Helper()
	out := make(chan ndjson.UpdateMessage)
	errc := make(chan error, 1)
	go func() { errc <- fn(out) }()
	var msgs []ndjson.UpdateMessage
	for m := range out {
		msgs = append(msgs, m)
	}
	return msgs, <-errc
}

func keys(msgs []ndjson.UpdateMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key
	}
	return out
}

func TestGenerate(t *testing.T) {
	p := newPipeline(t, EchoGenerator{Words: 3})
	req := GenerateRequest{
		ProviderID:  "prov1",
		PatientName: "Ada",
		Duration:    600000,
		Pronouns:    reports.She,
		Styles:      map[string]string{reports.Planning: "bullets"},
		Audio:       strings.NewReader("patient reports mild headache since monday"),
	}
	msgs, err := collect(t, func(out chan<- ndjson.UpdateMessage) error {
		return p.Generate(t.Context(), req, out)
	})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	got := keys(msgs)
	if got[0] != ndjson.IDKey || string(msgs[0].Value) != `"rep1"` {
		t.Fatalf("first message = %s %s", msgs[0].Key, msgs[0].Value)
	}
	if got[len(got)-1] != reports.FieldFinishedGenerating {
		t.Errorf("last message = %s", got[len(got)-1])
	}
	for _, k := range generated {
		if !slices.Contains(got, k) {
			t.Errorf("missing %s in %v", k, got)
		}
	}

	stored, err := p.Reports.Get("rep1")
	if err != nil {
		t.Fatal(err)
	}
	if !stored.FinishedGenerating || stored.ProviderID != "prov1" || stored.Pronouns != reports.She || stored.Loading() {
		t.Errorf("stored = %+v", stored)
	}
	if stored.Planning.Data != "Plan: patient reports mild (bullets)" {
		t.Errorf("planning = %q", stored.Planning.Data)
	}
	if stored.OneLinerSummary != "One-liner: patient reports mild" {
		t.Errorf("oneLinerSummary = %q", stored.OneLinerSummary)
	}
	tr, err := p.Transcripts.Get("rep1")
	if err != nil || !strings.HasPrefix(tr.Text, "patient reports") {
		t.Errorf("transcript = %+v, %v", tr, err)
	}
}

func TestGenerateTranscriptionFailure(t *testing.T) {
	p := newPipeline(t, EchoGenerator{})
	msgs, err := collect(t, func(out chan<- ndjson.UpdateMessage) error {
		return p.Generate(t.Context(), GenerateRequest{Audio: strings.NewReader("\xff\xfe")}, out)
	})
	if err == nil || len(msgs) != 0 {
		t.Fatalf("Generate() = %d messages, %v", len(msgs), err)
	}
	if p.Reports.Len() != 0 {
		t.Errorf("report stored after failed transcription")
	}
}

type failingGenerator struct{ section string }

func (f failingGenerator) Section(ctx context.Context, transcript, section, style, previous string) (string, error) {
	if section == f.section {
		return "", errors.New("model unavailable")
	}
	return EchoGenerator{}.Section(ctx, transcript, section, style, previous)
}

func TestGenerateSectionFailure(t *testing.T) {
	p := newPipeline(t, failingGenerator{section: reports.Objective})
	msgs, err := collect(t, func(out chan<- ndjson.UpdateMessage) error {
		return p.Generate(t.Context(), GenerateRequest{ProviderID: "p", Audio: strings.NewReader("hello")}, out)
	})
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("Generate() = %v", err)
	}
	if slices.Contains(keys(msgs), reports.FieldFinishedGenerating) {
		t.Error("finishedGenerating sent after a failure")
	}
	if r, _ := p.Reports.Get("rep1"); r.FinishedGenerating {
		t.Error("report marked finished after a failure")
	}
}

func TestRegenerate(t *testing.T) {
	p := newPipeline(t, EchoGenerator{Words: 2})
	if _, err := collect(t, func(out chan<- ndjson.UpdateMessage) error {
		return p.Generate(t.Context(), GenerateRequest{ProviderID: "prov1", PatientName: "Ada", Audio: strings.NewReader("knee pain after running")}, out)
	}); err != nil {
		t.Fatal(err)
	}

	t.Run("sections and updates", func(t *testing.T) {
		req := RegenerateRequest{
			ProviderID: "prov1",
			ID:         "rep1",
			Sections:   []string{reports.Assessment},
			Styles:     map[string]string{reports.Assessment: "brief"},
			Updates:    []Field{{Key: reports.FieldName, Value: json.RawMessage(`"Ada L."`)}},
		}
		msgs, err := collect(t, func(out chan<- ndjson.UpdateMessage) error {
			return p.Regenerate(t.Context(), req, out)
		})
		if err != nil {
			t.Fatalf("Regenerate() = %v", err)
		}
		want := []string{reports.FieldName, reports.Assessment, reports.FieldFinishedGenerating}
		if got := keys(msgs); !slices.Equal(got, want) {
			t.Errorf("keys = %v, want %v", got, want)
		}
		r, _ := p.Reports.Get("rep1")
		if r.Name != "Ada L." || r.Assessment.Data != "Revised Assessment: knee pain (brief)" {
			t.Errorf("report = %+v", r)
		}
		if r.Subjective.Data != "Subjective: knee pain" {
			t.Errorf("untouched section changed: %q", r.Subjective.Data)
		}
	})

	t.Run("rejected before streaming", func(t *testing.T) {
		tests := []struct {
			name string
			req  RegenerateRequest
			want error
		}{
			{"missing", RegenerateRequest{ProviderID: "prov1", ID: "nope"}, ErrNotFound},
			{"other provider", RegenerateRequest{ProviderID: "prov2", ID: "rep1"}, ErrForbidden},
			{"bad update", RegenerateRequest{ProviderID: "prov1", ID: "rep1", Updates: []Field{{Key: reports.FieldDuration, Value: json.RawMessage(`"x"`)}}}, ErrInvalidUpdate},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				msgs, err := collect(t, func(out chan<- ndjson.UpdateMessage) error {
					return p.Regenerate(t.Context(), tt.req, out)
				})
				if !errors.Is(err, tt.want) || len(msgs) != 0 {
					t.Errorf("Regenerate() = %d messages, %v; want %v", len(msgs), err, tt.want)
				}
			})
		}
	})
}

func TestGenerateCanceled(t *testing.T) {
	p := newPipeline(t, EchoGenerator{})
	ctx, cancel := context.WithCancel(t.Context())
	out := make(chan ndjson.UpdateMessage)
	errc := make(chan error, 1)
	go func() { errc <- p.Generate(ctx, GenerateRequest{Audio: strings.NewReader("x")}, out) }()
	if m := <-out; m.Key != ndjson.IDKey {
		t.Fatalf("first message = %s", m.Key)
	}
	cancel()
	for range out {
	}
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Generate() = %v", err)
	}
}

func TestEchoGenerator(t *testing.T) {
	g := EchoGenerator{Words: 2}
	got, err := g.Section(t.Context(), "", reports.Summary, "", "")
	if err != nil || got != "Summary: Nothing reported." {
		t.Errorf("Section(empty) = %q, %v", got, err)
	}
	if _, err := g.Section(t.Context(), "x", "bogus", "", ""); err == nil {
		t.Error("Section accepted an unknown section")
	}
}
