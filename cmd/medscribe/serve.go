// Development backend subcommands.

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/medscribe/medscribe/internal/inference"
	"github.com/medscribe/medscribe/internal/ndjson"
	"github.com/medscribe/medscribe/internal/server"
)

func cmdServe(ctx context.Context, g *globals, args []string) error {
	fs := newFlagSet("serve", "")
	addr := fs.String("http", g.cfg.Server.Addr, "Address to listen on")
	dataDir := fs.String("data-dir", g.cfg.DataDir, "Data directory")
	words := fs.Int("words", 12, "Transcript words echoed per section")
	watch := fs.Bool("watch-exe", false, "Exit when the executable is modified")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	secret, err := serverSecret(ctx, g)
	if err != nil {
		return err
	}
	serverDir := filepath.Join(*dataDir, "server")
	if err := os.MkdirAll(serverDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	pipeline, err := inference.NewPipeline(serverDir, inference.EchoGenerator{Words: *words}, inference.PlainText{})
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	if *watch {
		if err := watchExecutable(ctx, stop); err != nil {
			return fmt.Errorf("failed to watch executable: %w", err)
		}
	}

	// Normalize addr: ":8080" becomes "localhost:8080"
	listen := *addr
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	version, _, _, _ := getBuildInfo()
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           server.NewRouter(pipeline, &server.Config{JWTSecret: secret, Version: version}),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", listen, "reports", pipeline.Reports.Len(), "version", version)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

// serverSecret returns the configured JWT secret, generating and saving one
// on first use.
func serverSecret(ctx context.Context, g *globals) ([]byte, error) {
	if g.cfg.Server.JWTSecret != "" {
		return []byte(g.cfg.Server.JWTSecret), nil
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	g.cfg.Server.JWTSecret = hex.EncodeToString(b)
	if err := g.cfg.Save(g.configPath); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Generated server secret", "config", g.configPath)
	return []byte(g.cfg.Server.JWTSecret), nil
}

func cmdToken(ctx context.Context, g *globals, args []string) error {
	fs := newFlagSet("token", "")
	provider := fs.String("provider", g.cfg.ProviderID, "Provider identifier")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *provider == "" {
		return errors.New("-provider is required")
	}
	secret, err := serverSecret(ctx, g)
	if err != nil {
		return err
	}
	tok, err := server.IssueToken(secret, *provider, *ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(tok)
	return nil
}

func cmdSchema(ctx context.Context, g *globals, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unknown arguments: %v", args)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(ndjson.UpdateSchema())
}

func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
