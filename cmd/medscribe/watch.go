// Inbox watcher: submits every recording written to a directory.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/medscribe/medscribe/internal/apiclient"
	"github.com/medscribe/medscribe/internal/server/dto"
)

// doneSuffix marks recordings that were submitted.
const doneSuffix = ".done"

func cmdWatch(ctx context.Context, g *globals, args []string) error {
	fs := newFlagSet("watch", "")
	dir := fs.String("dir", g.cfg.InboxDir, "Inbox directory")
	settle := fs.Duration("settle", time.Second, "Quiet period before a file is considered complete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return errors.New("-dir or inbox_dir is required")
	}
	c, err := newClient(ctx, g)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(*dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", *dir, err)
	}
	slog.InfoContext(ctx, "Watching inbox", "dir", *dir)

	in := &inbox{client: c, settle: *settle, timers: map[string]*settling{}}
	defer in.wait()
	// Recordings dropped while the watcher was not running.
	entries, err := os.ReadDir(*dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			in.touch(ctx, filepath.Join(*dir, e.Name()))
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				in.touch(ctx, event.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching inbox", "err", err)
		}
	}
}

// inbox debounces file events and submits each settled recording once.
type inbox struct {
	client *client
	settle time.Duration

	mu     sync.Mutex
	timers map[string]*settling
	// submit serializes uploads; the local collection file is shared.
	submit sync.Mutex
	wg     sync.WaitGroup
}

// settling is a file waiting for its quiet period to end.
type settling struct {
	t *time.Timer
}

func (in *inbox) touch(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, doneSuffix) {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if p, ok := in.timers[path]; ok && p.t.Stop() {
		p.t.Reset(in.settle)
		return
	}
	p := &settling{}
	in.wg.Add(1)
	p.t = time.AfterFunc(in.settle, func() {
		defer in.wg.Done()
		in.mu.Lock()
		if in.timers[path] == p {
			delete(in.timers, path)
		}
		in.mu.Unlock()
		in.process(ctx, path)
	})
	in.timers[path] = p
}

func (in *inbox) process(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	in.submit.Lock()
	defer in.submit.Unlock()
	if _, err := os.Stat(path); err != nil {
		return
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	slog.InfoContext(ctx, "Submitting recording", "path", path, "patient", name)
	r, err := in.client.submit(ctx, path, dto.GenerateMetadata{PatientName: name})
	if err != nil && !errors.Is(err, apiclient.ErrNotFinished) {
		slog.ErrorContext(ctx, "Failed to submit recording", "path", path, "err", err)
		return
	}
	if err := os.Rename(path, path+doneSuffix); err != nil {
		slog.ErrorContext(ctx, "Failed to mark recording done", "path", path, "err", err)
	}
	if r == nil {
		return
	}
	slog.InfoContext(ctx, "Report ready", "id", r.ID, "patient", r.Name, "finished", r.FinishedGenerating)
}

// wait stops pending timers and waits for running submissions.
func (in *inbox) wait() {
	in.mu.Lock()
	for path, p := range in.timers {
		if p.t.Stop() {
			delete(in.timers, path)
			in.wg.Done()
		}
	}
	in.mu.Unlock()
	in.wg.Wait()
}
