package reports

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewPlaceholder(t *testing.T) {
	r := NewPlaceholder(CreateRequest{ID: "r1", ProviderID: "p", Name: "Ada", Timestamp: "2024-07-26T10:00:00Z", Duration: 1200})
	if r.ID != "r1" || r.ProviderID != "p" || r.Name != "Ada" || r.Duration != 1200 {
		t.Errorf("metadata = %+v", r)
	}
	for _, s := range ContentSections {
		c, ok := r.Section(s)
		if !ok || c != (Content{Loading: true}) {
			t.Errorf("section %s = %+v, %v", s, c, ok)
		}
	}
	if !r.Loading() {
		t.Error("Loading() = false for a placeholder")
	}
	if _, ok := r.Section("name"); ok {
		t.Error("name is not a section")
	}
}

func TestWith(t *testing.T) {
	base := NewPlaceholder(CreateRequest{ID: "r1"})
	tests := []struct {
		name  string
		key   string
		value string
		check func(*Report) bool
	}{
		{"section", Subjective, `"Patient is well."`, func(r *Report) bool {
			return r.Subjective == Content{Data: "Patient is well."}
		}},
		{"empty section", Summary, `""`, func(r *Report) bool {
			return r.Summary == Content{}
		}},
		{"duration", FieldDuration, `600`, func(r *Report) bool { return r.Duration == 600 }},
		{"pronouns", FieldPronouns, `"SHE"`, func(r *Report) bool { return r.Pronouns == She }},
		{"follow up", FieldIsFollowUp, `true`, func(r *Report) bool { return r.IsFollowUp }},
		{"finished", FieldFinishedGenerating, `true`, func(r *Report) bool { return r.FinishedGenerating }},
		{"null scalar", FieldName, `null`, func(r *Report) bool { return r.Name == "" }},
		{"non-string section", Objective, `{"text":"x"}`, func(r *Report) bool {
			return r.Objective == Content{Data: `{"text":"x"}`}
		}},
		{"mistyped scalar", FieldDuration, `"600"`, func(r *Report) bool {
			return r.Duration == 0 && string(r.Extra[FieldDuration]) == `"600"`
		}},
		{"unknown key", "visitContext", `{"a":1}`, func(r *Report) bool {
			return string(r.Extra["visitContext"]) == `{"a":1}`
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := base.With(tt.key, json.RawMessage(tt.value))
			if err != nil {
				t.Fatalf("With(%q, %s) = %v", tt.key, tt.value, err)
			}
			if !tt.check(got) {
				t.Errorf("With(%q, %s) = %+v", tt.key, tt.value, got)
			}
			if base.Extra != nil || !base.Subjective.Loading || base.Duration != 0 {
				t.Errorf("base was modified: %+v", base)
			}
		})
	}

	t.Run("errors", func(t *testing.T) {
		if _, err := base.With(FieldID, json.RawMessage(`"x"`)); !errors.Is(err, ErrImmutableField) {
			t.Errorf("With(id) = %v", err)
		}
	})
}

func TestCheckValue(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  error
	}{
		{Subjective, `"text"`, nil},
		{Subjective, `null`, nil},
		{Objective, `42`, ErrInvalidValue},
		{FieldDuration, `600`, nil},
		{FieldDuration, `"long"`, ErrInvalidValue},
		{FieldIsFollowUp, `"yes"`, ErrInvalidValue},
		{FieldID, `"x"`, ErrImmutableField},
		{"visitContext", `[1]`, nil},
	}
	for _, tt := range tests {
		if err := CheckValue(tt.key, json.RawMessage(tt.value)); !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
			t.Errorf("CheckValue(%q, %s) = %v, want %v", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestIsKnownField(t *testing.T) {
	for _, k := range []string{Subjective, FieldID, FieldDuration, FieldFinishedGenerating} {
		if !IsKnownField(k) {
			t.Errorf("IsKnownField(%q) = false", k)
		}
	}
	for _, k := range []string{"", "Subjective", "visitContext"} {
		if IsKnownField(k) {
			t.Errorf("IsKnownField(%q) = true", k)
		}
	}
}

func TestReportJSON(t *testing.T) {
	r, err := NewPlaceholder(CreateRequest{ID: "r1"}).With("custom", json.RawMessage(`[1,2]`))
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	if string(fields["subjective"]) != `{"data":"","loading":true}` {
		t.Errorf("subjective = %s", fields["subjective"])
	}
	if string(fields["extra"]) != `{"custom":[1,2]}` {
		t.Errorf("extra = %s", fields["extra"])
	}
}
