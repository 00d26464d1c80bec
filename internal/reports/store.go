// Implements the shared, newest-first report collection.

package reports

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/medscribe/medscribe/internal/jsonldb"
)

// Store is the ordered collection of reports, newest first.
//
// Every mutation computes a new slice from the old one under the lock and
// swaps it in, so a reader holding a previous [Store.List] result never sees
// it change. Records are never modified in place.
type Store struct {
	mu       sync.RWMutex
	reports  []*Report
	selected string
	subs     map[chan string]struct{}
}

// NewStore returns a Store holding the given reports in order.
func NewStore(initial ...*Report) *Store {
	s := &Store{subs: make(map[chan string]struct{})}
	for _, r := range initial {
		s.reports = append(s.reports, r.Clone())
	}
	return s
}

// Create prepends a placeholder report built from req.
//
// It returns false without modifying the collection if a report with the same
// identifier already exists.
func (s *Store) Create(req CreateRequest) bool {
	s.mu.Lock()
	if s.indexLocked(req.ID) >= 0 {
		s.mu.Unlock()
		slog.Error("Report already exists", "id", req.ID)
		return false
	}
	next := make([]*Report, 0, len(s.reports)+1)
	next = append(next, NewPlaceholder(req))
	s.reports = append(next, s.reports...)
	s.mu.Unlock()
	s.notify(req.ID)
	return true
}

// Update applies one field update by substituting a modified copy of the
// target report. It returns [ErrUnknownReport] when no report has u.ID.
// Values of an unexpected type are stored as [Report.With] does and logged.
func (s *Store) Update(u Update) error {
	if !IsKnownField(u.Key) {
		slog.Warn("Unclassified report field, keeping it as passthrough", "id", u.ID, "key", u.Key)
	} else if err := CheckValue(u.Key, u.Value); errors.Is(err, ErrInvalidValue) {
		slog.Warn("Report field value has an unexpected type, keeping it raw", "id", u.ID, "key", u.Key, "err", err)
	}
	s.mu.Lock()
	i := s.indexLocked(u.ID)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownReport
	}
	updated, err := s.reports[i].With(u.Key, u.Value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	next := slices.Clone(s.reports)
	next[i] = updated
	s.reports = next
	s.mu.Unlock()
	slog.Debug("Report updated", "id", u.ID, "key", u.Key)
	s.notify(u.ID)
	return nil
}

// Replace swaps in a complete report, typically the finalized version fetched
// from the backend. It returns false if the report is not in the collection.
func (s *Store) Replace(r *Report) bool {
	s.mu.Lock()
	i := s.indexLocked(r.ID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	next := slices.Clone(s.reports)
	next[i] = r.Clone()
	s.reports = next
	s.mu.Unlock()
	s.notify(r.ID)
	return true
}

// Upsert replaces the report or prepends it when absent.
func (s *Store) Upsert(r *Report) {
	s.mu.Lock()
	if i := s.indexLocked(r.ID); i >= 0 {
		next := slices.Clone(s.reports)
		next[i] = r.Clone()
		s.reports = next
	} else {
		s.reports = append([]*Report{r.Clone()}, s.reports...)
	}
	s.mu.Unlock()
	s.notify(r.ID)
}

// Delete removes the given reports and returns how many were removed.
func (s *Store) Delete(ids ...string) int {
	s.mu.Lock()
	next := slices.DeleteFunc(slices.Clone(s.reports), func(r *Report) bool {
		return slices.Contains(ids, r.ID)
	})
	n := len(s.reports) - len(next)
	s.reports = next
	if slices.Contains(ids, s.selected) {
		s.selected = ""
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.notify(id)
	}
	return n
}

// Get returns a copy of the report with the given identifier.
func (s *Store) Get(id string) (*Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return nil, false
	}
	return s.reports[i].Clone(), true
}

// List returns copies of all reports, newest first.
func (s *Store) List() []*Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Report, len(s.reports))
	for i, r := range s.reports {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of reports.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reports)
}

// Selected returns the identifier of the selected report, if any.
func (s *Store) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Select makes id the selected report.
func (s *Store) Select(id string) {
	s.mu.Lock()
	s.selected = id
	s.mu.Unlock()
}

// SelectIfUnset selects id when nothing is selected yet and reports whether
// it did.
func (s *Store) SelectIfUnset(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != "" {
		return false
	}
	s.selected = id
	return true
}

// Subscribe returns a channel receiving the identifier of every report that
// changes. Notifications are dropped when the channel is full. The returned
// function unsubscribes and closes the channel.
func (s *Store) Subscribe(size int) (<-chan string, func()) {
	ch := make(chan string, size)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Save writes the collection to a JSONL file.
func (s *Store) Save(path string) error {
	t, err := jsonldb.NewTable[*Report](path)
	if err != nil {
		return err
	}
	return t.Replace(s.List())
}

// LoadStore reads a collection written by [Store.Save]. A missing file yields
// an empty Store.
func LoadStore(path string) (*Store, error) {
	t, err := jsonldb.NewTable[*Report](path)
	if err != nil {
		return nil, err
	}
	return NewStore(slices.Collect(t.All())...), nil
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.reports, func(r *Report) bool { return r.ID == id })
}

func (s *Store) notify(id string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- id:
		default:
		}
	}
}
