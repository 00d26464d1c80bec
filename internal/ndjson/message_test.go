package ndjson

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
)

func TestDecodeLine(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		tests := []struct {
			name      string
			line      string
			wantKey   string
			wantValue string
		}{
			{"string value", `{"Key":"subjective","Value":"Patient is well."}`, "subjective", `"Patient is well."`},
			{"number value", `{"Key":"duration","Value":600}`, "duration", `600`},
			{"bool value", `{"Key":"finishedGenerating","Value":true}`, "finishedGenerating", `true`},
			{"object value", `{"Key":"meta","Value":{"a":[1,2]}}`, "meta", `{"a":[1,2]}`},
			{"missing value", `{"Key":"pronouns"}`, "pronouns", ``},
			{"extra members ignored", `{"Key":"name","Value":"Ada","Other":1}`, "name", `"Ada"`},
			{"surrounding whitespace", "  \t" + `{"Key":"_id","Value":"r1"}` + "\r", "_id", `"r1"`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				msg, ok, err := DecodeLine(tt.line)
				if err != nil || !ok {
					t.Fatalf("DecodeLine() = ok %v, err %v", ok, err)
				}
				if msg.Key != tt.wantKey {
					t.Errorf("Key = %q, want %q", msg.Key, tt.wantKey)
				}
				if string(msg.Value) != tt.wantValue {
					t.Errorf("Value = %s, want %s", msg.Value, tt.wantValue)
				}
			})
		}
	})

	t.Run("skip", func(t *testing.T) {
		for _, line := range []string{"", "   ", "\r", "\t \t"} {
			msg, ok, err := DecodeLine(line)
			if ok || err != nil || msg.Key != "" {
				t.Errorf("DecodeLine(%q) = %+v, %v, %v; want skip", line, msg, ok, err)
			}
		}
	})

	t.Run("invalid", func(t *testing.T) {
		tests := []struct {
			name       string
			line       string
			wantParse  bool
			wantSchema bool
		}{
			{"garbage", "garbage", true, false},
			{"truncated object", `{"Key":"subjective","Valu`, true, false},
			{"array", `[1,2]`, false, true},
			{"null", `null`, false, true},
			{"string", `"Key"`, false, true},
			{"missing key", `{"Value":"x"}`, false, true},
			{"lowercase key", `{"key":"x","value":"y"}`, false, true},
			{"numeric key", `{"Key":1,"Value":"x"}`, false, true},
			{"null key", `{"Key":null,"Value":"x"}`, false, true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, ok, err := DecodeLine(tt.line)
				if ok {
					t.Fatal("DecodeLine() ok = true")
				}
				var pe *ParseError
				var se *SchemaError
				if got := errors.As(err, &pe); got != tt.wantParse {
					t.Errorf("ParseError = %v, want %v (err %v)", got, tt.wantParse, err)
				}
				if got := errors.As(err, &se); got != tt.wantSchema {
					t.Errorf("SchemaError = %v, want %v (err %v)", got, tt.wantSchema, err)
				}
			})
		}
	})
}

func TestStringValue(t *testing.T) {
	tests := []struct {
		value   string
		want    string
		wantErr bool
	}{
		{`"abc123"`, "abc123", false},
		{`""`, "", false},
		{`42`, "", true},
		{`null`, "", true},
		{``, "", true},
		{`{"id":"x"}`, "", true},
	}
	for _, tt := range tests {
		m := UpdateMessage{Key: IDKey, Value: json.RawMessage(tt.value)}
		got, err := m.StringValue()
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("StringValue(%s) = %q, %v", tt.value, got, err)
		}
	}
}

func TestAny(t *testing.T) {
	m := UpdateMessage{Key: "duration", Value: json.RawMessage(`600`)}
	if v, err := m.Any(); err != nil || v != float64(600) {
		t.Errorf("Any() = %v, %v", v, err)
	}
	m.Value = nil
	if v, err := m.Any(); err != nil || v != nil {
		t.Errorf("Any(absent) = %v, %v", v, err)
	}
}

func TestWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	id, err := NewUpdate(IDKey, "r1")
	if err != nil {
		t.Fatal(err)
	}
	done, err := NewUpdate("finishedGenerating", true)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range []UpdateMessage{id, done} {
		if err := w.Write(m); err != nil {
			t.Fatalf("Write() failed: %v", err)
		}
	}
	if !rec.Flushed {
		t.Error("response was not flushed")
	}
	want := `{"Key":"_id","Value":"r1"}` + "\n" + `{"Key":"finishedGenerating","Value":true}` + "\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}

	// The encoded stream decodes back line by line.
	lines, rest := SplitLines("", rec.Body.String())
	if rest != "" || len(lines) != 2 {
		t.Fatalf("lines = %q rest = %q", lines, rest)
	}
	msg, ok, err := DecodeLine(lines[0])
	if err != nil || !ok || msg.Key != IDKey {
		t.Errorf("DecodeLine() = %+v, %v, %v", msg, ok, err)
	}
}

func TestUpdateSchema(t *testing.T) {
	s := UpdateSchema()
	if !slices.Contains(s.Required, "Key") {
		t.Errorf("Required = %v, want Key", s.Required)
	}
	if slices.Contains(s.Required, "Value") {
		t.Errorf("Value must be optional: %v", s.Required)
	}
	key, ok := s.Properties.Get("Key")
	if !ok || key.Type != "string" {
		t.Fatalf("Key property = %+v", key)
	}
	if !strings.Contains(key.Description, "_id") {
		t.Errorf("Key description = %q", key.Description)
	}
}
