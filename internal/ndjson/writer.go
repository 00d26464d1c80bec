package ndjson

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer encodes update messages one per line, flushing after each so the
// peer sees every update as soon as it is produced.
type Writer struct {
	enc     *json.Encoder
	flusher http.Flusher
}

// NewWriter returns a Writer. When w implements [http.Flusher] it is flushed
// after every message.
func NewWriter(w io.Writer) *Writer {
	nw := &Writer{enc: json.NewEncoder(w)}
	nw.flusher, _ = w.(http.Flusher)
	return nw
}

// Write sends one message.
func (w *Writer) Write(m UpdateMessage) error {
	if err := w.enc.Encode(m); err != nil {
		return fmt.Errorf("failed to write update %q: %w", m.Key, err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
