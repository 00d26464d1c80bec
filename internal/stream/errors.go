package stream

import "errors"

var errNoIdentity = errors.New("stream never identified its report")

// DanglingUpdateError describes a field update that could not be attached to
// any report: either its report is missing from the collection or the stream
// ended before announcing one.
type DanglingUpdateError struct {
	ID  string
	Key string
	Err error
}

func (e *DanglingUpdateError) Error() string {
	if e.ID == "" {
		return "dangling update " + e.Key + ": " + e.Err.Error()
	}
	return "dangling update " + e.Key + " for report " + e.ID + ": " + e.Err.Error()
}

func (e *DanglingUpdateError) Unwrap() error {
	return e.Err
}
