// Writes generation jobs to the client as NDJSON.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/medscribe/medscribe/internal/ndjson"
	"github.com/medscribe/medscribe/internal/utils"
)

// job produces update messages on out and closes it when done.
type job func(ctx context.Context, out chan<- ndjson.UpdateMessage) error

// streamUpdates runs fn and writes every message it emits as one NDJSON line,
// flushed immediately.
//
// When fn fails before emitting anything, a regular JSON error response is
// written instead. Once the first line is out the status is committed, so
// later failures are only logged and the client sees the stream end early.
func streamUpdates(w http.ResponseWriter, r *http.Request, fn job) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	out := make(chan ndjson.UpdateMessage)
	errc := make(chan error, 1)
	go func() {
		errc <- fn(ctx, out)
	}()

	msg, open := <-out
	if !open {
		err := <-errc
		if err == nil {
			err = errors.New("job produced no output")
		}
		slog.WarnContext(ctx, "Report job failed before streaming", "path", r.URL.Path, "err", err)
		utils.RespondError(w, toAPIError(err))
		return
	}

	w.Header().Set("Content-Type", ndjson.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	nw := ndjson.NewWriter(w)
	lines := 0
	for open {
		if err := nw.Write(msg); err != nil {
			slog.WarnContext(ctx, "Client stopped reading report stream", "err", err)
			cancel()
			for range out {
			}
			break
		}
		lines++
		msg, open = <-out
	}
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "Report stream ended early", "path", r.URL.Path, "lines", lines, "err", err)
		return
	}
	slog.DebugContext(ctx, "Report stream done", "path", r.URL.Path, "lines", lines)
}
