// Defines the client-held report record and its field updates.

// Package reports holds the client-side collection of visit reports that
// streamed updates are reconciled into.
package reports

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Content section names. Each carries a [Content] value.
const (
	Subjective = "subjective"
	Objective  = "objective"
	Assessment = "assessment"
	Planning   = "planning"
	Summary    = "summary"
)

// Scalar field names.
const (
	FieldID                 = "id"
	FieldProviderID         = "providerID"
	FieldName               = "name"
	FieldTimestamp          = "timestamp"
	FieldDuration           = "duration"
	FieldPronouns           = "pronouns"
	FieldIsFollowUp         = "isFollowUp"
	FieldPatientOrClient    = "patientOrClient"
	FieldOneLinerSummary    = "oneLinerSummary"
	FieldShortSummary       = "shortSummary"
	FieldFinishedGenerating = "finishedGenerating"
)

// Pronouns and visit subject values used by the backend.
const (
	He   = "HE"
	She  = "SHE"
	They = "They"

	Patient = "Patient"
	Client  = "Client"
)

// ContentSections lists the sections of a SOAP note in display order.
var ContentSections = []string{Subjective, Objective, Assessment, Planning, Summary}

var (
	// ErrUnknownReport is returned when an update targets a report that is not
	// in the collection.
	ErrUnknownReport = errors.New("unknown report")
	// ErrInvalidValue is returned when a value does not fit the field type.
	ErrInvalidValue = errors.New("invalid value")
	// ErrImmutableField is returned when an update targets the identifier.
	ErrImmutableField = errors.New("field cannot be updated")
)

// IsContentSection reports whether key names a content section.
func IsContentSection(key string) bool {
	return slices.Contains(ContentSections, key)
}

// IsKnownField reports whether key is a content section or a known scalar.
func IsKnownField(key string) bool {
	if IsContentSection(key) || key == FieldID {
		return true
	}
	_, ok := scalarFields[key]
	return ok
}

// Content is a generated note section.
type Content struct {
	Data    string `json:"data"`
	Loading bool   `json:"loading"`
}

// Report is one visit note.
type Report struct {
	ID                 string  `json:"id" jsonschema:"description=Backend assigned identifier"`
	ProviderID         string  `json:"providerID"`
	Name               string  `json:"name" jsonschema:"description=Patient name"`
	Timestamp          string  `json:"timestamp"`
	Duration           float64 `json:"duration" jsonschema:"description=Recording length in milliseconds"`
	Pronouns           string  `json:"pronouns"`
	IsFollowUp         bool    `json:"isFollowUp"`
	PatientOrClient    string  `json:"patientOrClient"`
	Subjective         Content `json:"subjective"`
	Objective          Content `json:"objective"`
	Assessment         Content `json:"assessment"`
	Planning           Content `json:"planning"`
	Summary            Content `json:"summary"`
	OneLinerSummary    string  `json:"oneLinerSummary"`
	ShortSummary       string  `json:"shortSummary"`
	FinishedGenerating bool    `json:"finishedGenerating"`

	// Extra keeps fields this client does not know about.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// CreateRequest carries the metadata known when a report is first announced.
type CreateRequest struct {
	ID         string
	ProviderID string
	Name       string
	Timestamp  string
	Duration   float64
}

// Update assigns Value to field Key of report ID.
type Update struct {
	ID    string
	Key   string
	Value json.RawMessage
}

// NewPlaceholder returns a report whose sections are all still loading.
func NewPlaceholder(req CreateRequest) *Report {
	r := &Report{
		ID:         req.ID,
		ProviderID: req.ProviderID,
		Name:       req.Name,
		Timestamp:  req.Timestamp,
		Duration:   req.Duration,
	}
	for _, s := range ContentSections {
		*r.section(s) = Content{Loading: true}
	}
	return r
}

// Clone returns a deep copy.
func (r *Report) Clone() *Report {
	c := *r
	c.Extra = maps.Clone(r.Extra)
	return &c
}

// GetID returns the report identifier.
func (r *Report) GetID() string {
	return r.ID
}

// Validate checks the report can be stored.
func (r *Report) Validate() error {
	if r.ID == "" {
		return errors.New("report id is required")
	}
	return nil
}

// Section returns the content of a section, or false if name is not a section.
func (r *Report) Section(name string) (Content, bool) {
	p := r.section(name)
	if p == nil {
		return Content{}, false
	}
	return *p, true
}

// Loading reports whether any section is still waiting for content.
func (r *Report) Loading() bool {
	for _, s := range ContentSections {
		if r.section(s).Loading {
			return true
		}
	}
	return false
}

// With returns a copy of r with key set to value. r is not modified.
//
// A content section becomes {data: value, loading: false}; a value that is not
// a JSON string is kept as its raw JSON text. Known scalar fields are decoded
// into their typed field, unless the value does not fit, in which case it is
// kept verbatim in Extra like any other key.
func (r *Report) With(key string, value json.RawMessage) (*Report, error) {
	if key == FieldID {
		return nil, fmt.Errorf("%w: %s", ErrImmutableField, key)
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	c := r.Clone()
	if p := c.section(key); p != nil {
		var data string
		if err := json.Unmarshal(value, &data); err != nil {
			data = string(value)
		}
		*p = Content{Data: data}
		return c, nil
	}
	if f, ok := scalarFields[key]; ok && CheckValue(key, value) == nil {
		if err := json.Unmarshal(value, f(c)); err != nil {
			return nil, fmt.Errorf("%w: field %s: %w", ErrInvalidValue, key, err)
		}
		return c, nil
	}
	if c.Extra == nil {
		c.Extra = make(map[string]json.RawMessage)
	}
	c.Extra[key] = slices.Clone(value)
	return c, nil
}

// CheckValue returns an error wrapping [ErrInvalidValue] when value does not
// fit the type of the known field key. Unknown keys accept any value.
func CheckValue(key string, value json.RawMessage) error {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	switch {
	case key == FieldID:
		return fmt.Errorf("%w: %s", ErrImmutableField, key)
	case IsContentSection(key):
		var data string
		if err := json.Unmarshal(value, &data); err != nil {
			return fmt.Errorf("%w: section %s expects a string: %w", ErrInvalidValue, key, err)
		}
	default:
		if f, ok := scalarFields[key]; ok {
			if err := json.Unmarshal(value, f(&Report{})); err != nil {
				return fmt.Errorf("%w: field %s: %w", ErrInvalidValue, key, err)
			}
		}
	}
	return nil
}

func (r *Report) section(name string) *Content {
	switch name {
	case Subjective:
		return &r.Subjective
	case Objective:
		return &r.Objective
	case Assessment:
		return &r.Assessment
	case Planning:
		return &r.Planning
	case Summary:
		return &r.Summary
	}
	return nil
}

// scalarFields maps a field name to a pointer to the matching struct field.
var scalarFields = map[string]func(*Report) any{
	FieldProviderID:         func(r *Report) any { return &r.ProviderID },
	FieldName:               func(r *Report) any { return &r.Name },
	FieldTimestamp:          func(r *Report) any { return &r.Timestamp },
	FieldDuration:           func(r *Report) any { return &r.Duration },
	FieldPronouns:           func(r *Report) any { return &r.Pronouns },
	FieldIsFollowUp:         func(r *Report) any { return &r.IsFollowUp },
	FieldPatientOrClient:    func(r *Report) any { return &r.PatientOrClient },
	FieldOneLinerSummary:    func(r *Report) any { return &r.OneLinerSummary },
	FieldShortSummary:       func(r *Report) any { return &r.ShortSummary },
	FieldFinishedGenerating: func(r *Report) any { return &r.FinishedGenerating },
}
