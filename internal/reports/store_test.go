package reports

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func ids(rs []*Report) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestStore(t *testing.T) {
	t.Run("Create prepends", func(t *testing.T) {
		s := NewStore()
		for _, id := range []string{"a", "b", "c"} {
			if !s.Create(CreateRequest{ID: id}) {
				t.Fatalf("Create(%s) = false", id)
			}
		}
		if got := ids(s.List()); len(got) != 3 || got[0] != "c" || got[2] != "a" {
			t.Errorf("List() = %v, want newest first", got)
		}
		if s.Create(CreateRequest{ID: "b", Name: "dup"}) {
			t.Error("Create accepted a duplicate id")
		}
		if r, _ := s.Get("b"); r.Name != "" {
			t.Errorf("duplicate Create changed the report: %+v", r)
		}
		if s.Len() != 3 {
			t.Errorf("Len() = %d", s.Len())
		}
	})

	t.Run("Update substitutes", func(t *testing.T) {
		s := NewStore()
		s.Create(CreateRequest{ID: "a"})
		before := s.List()
		if err := s.Update(Update{ID: "a", Key: Planning, Value: json.RawMessage(`"rest"`)}); err != nil {
			t.Fatal(err)
		}
		if !before[0].Planning.Loading {
			t.Error("an earlier List result was modified")
		}
		r, _ := s.Get("a")
		if r.Planning != (Content{Data: "rest"}) {
			t.Errorf("planning = %+v", r.Planning)
		}
		if err := s.Update(Update{ID: "zz", Key: Planning}); !errors.Is(err, ErrUnknownReport) {
			t.Errorf("Update(unknown) = %v", err)
		}
		if err := s.Update(Update{ID: "a", Key: FieldDuration, Value: json.RawMessage(`"x"`)}); err != nil {
			t.Errorf("Update(mistyped value) = %v", err)
		}
		if r, _ := s.Get("a"); r.Duration != 0 || string(r.Extra[FieldDuration]) != `"x"` {
			t.Errorf("mistyped duration = %v, extra %s", r.Duration, r.Extra[FieldDuration])
		}
		if err := s.Update(Update{ID: "a", Key: Objective, Value: json.RawMessage(`["a","b"]`)}); err != nil {
			t.Errorf("Update(non-string section) = %v", err)
		}
		if r, _ := s.Get("a"); r.Objective != (Content{Data: `["a","b"]`}) {
			t.Errorf("objective = %+v", r.Objective)
		}
	})

	t.Run("Replace and Upsert", func(t *testing.T) {
		s := NewStore()
		s.Create(CreateRequest{ID: "a"})
		final := &Report{ID: "a", Name: "final", FinishedGenerating: true}
		if !s.Replace(final) {
			t.Fatal("Replace(a) = false")
		}
		final.Name = "mutated"
		if r, _ := s.Get("a"); r.Name != "final" || !r.FinishedGenerating {
			t.Errorf("Get(a) = %+v", r)
		}
		if s.Replace(&Report{ID: "b"}) {
			t.Error("Replace of a missing report succeeded")
		}
		s.Upsert(&Report{ID: "b"})
		s.Upsert(&Report{ID: "a", Name: "again"})
		if got := ids(s.List()); len(got) != 2 || got[0] != "b" {
			t.Errorf("List() = %v", got)
		}
	})

	t.Run("Delete clears selection", func(t *testing.T) {
		s := NewStore(&Report{ID: "a"}, &Report{ID: "b"})
		s.Select("a")
		if n := s.Delete("a", "missing"); n != 1 {
			t.Errorf("Delete() = %d, want 1", n)
		}
		if s.Selected() != "" {
			t.Errorf("Selected() = %q", s.Selected())
		}
		if !s.SelectIfUnset("b") || s.SelectIfUnset("c") || s.Selected() != "b" {
			t.Errorf("SelectIfUnset sequence, Selected() = %q", s.Selected())
		}
	})

	t.Run("Subscribe", func(t *testing.T) {
		s := NewStore()
		ch, cancel := s.Subscribe(4)
		s.Create(CreateRequest{ID: "a"})
		_ = s.Update(Update{ID: "a", Key: Summary, Value: json.RawMessage(`"x"`)})
		if got := <-ch; got != "a" {
			t.Errorf("first notification = %q", got)
		}
		if got := <-ch; got != "a" {
			t.Errorf("second notification = %q", got)
		}
		cancel()
		cancel()
		if _, ok := <-ch; ok {
			t.Error("channel still open after cancel")
		}
		s.Create(CreateRequest{ID: "b"})
	})

	t.Run("Save and Load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reports.jsonl")
		s := NewStore()
		s.Create(CreateRequest{ID: "a", Name: "Ada"})
		s.Create(CreateRequest{ID: "b"})
		_ = s.Update(Update{ID: "a", Key: "visitContext", Value: json.RawMessage(`"ctx"`)})
		if err := s.Save(path); err != nil {
			t.Fatal(err)
		}
		loaded, err := LoadStore(path)
		if err != nil {
			t.Fatal(err)
		}
		if got := ids(loaded.List()); len(got) != 2 || got[0] != "b" || got[1] != "a" {
			t.Errorf("loaded order = %v", got)
		}
		r, _ := loaded.Get("a")
		if r.Name != "Ada" || string(r.Extra["visitContext"]) != `"ctx"` || !r.Subjective.Loading {
			t.Errorf("loaded a = %+v", r)
		}
		empty, err := LoadStore(filepath.Join(t.TempDir(), "none.jsonl"))
		if err != nil || empty.Len() != 0 {
			t.Errorf("LoadStore(missing) = %v, %v", empty, err)
		}
	})

	t.Run("concurrent updates", func(t *testing.T) {
		s := NewStore()
		s.Create(CreateRequest{ID: "a"})
		s.Create(CreateRequest{ID: "b"})
		var wg sync.WaitGroup
		for _, id := range []string{"a", "b"} {
			for _, sec := range ContentSections {
				wg.Go(func() {
					if err := s.Update(Update{ID: id, Key: sec, Value: json.RawMessage(`"` + id + sec + `"`)}); err != nil {
						t.Error(err)
					}
				})
			}
		}
		wg.Wait()
		for _, id := range []string{"a", "b"} {
			r, _ := s.Get(id)
			for _, sec := range ContentSections {
				if c, _ := r.Section(sec); c.Data != id+sec || c.Loading {
					t.Errorf("%s.%s = %+v", id, sec, c)
				}
			}
		}
	})
}
