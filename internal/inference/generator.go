// Package inference produces SOAP note content for the development backend.
//
// The real service transcribes audio and prompts a language model per
// section. This package keeps the same shape behind small interfaces so the
// streaming protocol can be exercised end to end with deterministic output.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/medscribe/medscribe/internal/reports"
)

// ErrUnreadableRecording is returned when a recording cannot be transcribed.
var ErrUnreadableRecording = errors.New("unreadable recording")

// Generator writes one note section.
//
// previous holds the current text of the section when regenerating, and is
// empty otherwise.
type Generator interface {
	Section(ctx context.Context, transcript, section, style, previous string) (string, error)
}

// Transcriber turns a recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader) (string, error)
}

// PlainText is a Transcriber for recordings that are already text. It
// rejects input that is not valid UTF-8.
type PlainText struct {
	// MaxBytes bounds the transcript size. Zero means 1 MiB.
	MaxBytes int64
}

// Transcribe implements Transcriber.
func (p PlainText) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	limit := p.MaxBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	data, err := io.ReadAll(io.LimitReader(audio, limit+1))
	if err != nil {
		return "", fmt.Errorf("failed to read recording: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrUnreadableRecording, limit)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not a text transcript", ErrUnreadableRecording)
	}
	return strings.TrimSpace(string(data)), nil
}

var sectionTitles = map[string]string{
	reports.Subjective:           "Subjective",
	reports.Objective:            "Objective",
	reports.Assessment:           "Assessment",
	reports.Planning:             "Plan",
	reports.Summary:              "Summary",
	reports.FieldOneLinerSummary: "One-liner",
	reports.FieldShortSummary:    "Short summary",
}

// EchoGenerator writes each section as its title followed by the first Words
// words of the transcript. Output only depends on the inputs.
type EchoGenerator struct {
	Words int
}

// Section implements Generator.
func (g EchoGenerator) Section(ctx context.Context, transcript, section, style, previous string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	title, ok := sectionTitles[section]
	if !ok {
		return "", fmt.Errorf("unknown section %q", section)
	}
	n := g.Words
	if n <= 0 {
		n = 12
	}
	words := strings.Fields(transcript)
	if len(words) > n {
		words = words[:n]
	}
	body := strings.Join(words, " ")
	if body == "" {
		body = "Nothing reported."
	}
	var b strings.Builder
	if previous != "" {
		b.WriteString("Revised ")
	}
	b.WriteString(title)
	b.WriteString(": ")
	b.WriteString(body)
	if style != "" {
		b.WriteString(" (")
		b.WriteString(style)
		b.WriteString(")")
	}
	return b.String(), nil
}
