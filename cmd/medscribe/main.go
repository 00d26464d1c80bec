// Package main is the medscribe command line client.
//
// medscribe uploads visit recordings to the report backend, reconciles the
// streamed note into a local collection, and fetches the finalized report. It
// also runs a development backend speaking the same protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/medscribe/medscribe/internal/config"
)

// command is a subcommand. args excludes the subcommand name.
type command struct {
	help string
	run  func(ctx context.Context, g *globals, args []string) error
}

var commands = map[string]command{
	"generate":    {"Upload a recording and print the finished report", cmdGenerate},
	"regenerate":  {"Rewrite sections of a report", cmdRegenerate},
	"list":        {"List reports", cmdList},
	"get":         {"Print one report", cmdGet},
	"transcript":  {"Print the transcript of a report", cmdTranscript},
	"rename":      {"Change the patient name of a report", cmdRename},
	"set-section": {"Replace the text of a section", cmdSetSection},
	"delete":      {"Delete reports", cmdDelete},
	"watch":       {"Submit every recording dropped in the inbox directory", cmdWatch},
	"serve":       {"Run the development backend", cmdServe},
	"token":       {"Sign a development backend token", cmdToken},
	"schema":      {"Print the JSON schema of a stream message", cmdSchema},
	"version":     {"Print version and exit", cmdVersion},
}

// globals holds the settings every subcommand sees.
type globals struct {
	cfg        *config.Config
	configPath string
}

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "medscribe: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	configPath := flag.String("config", "medscribe.yaml", "Configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	baseURL := flag.String("base-url", "", "Report backend URL, overrides base_url")
	timeout := flag.Duration("timeout", 0, "Wait for a generation response to start, overrides timeout")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		return errors.New("missing command")
	}
	name := flag.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}

	ll := &slog.LevelVar{}
	slog.SetDefault(newLogger(ll))
	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// Flags explicitly set on the command line win over the file.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if set["base-url"] {
		cfg.BaseURL = *baseURL
	}
	if set["timeout"] {
		cfg.Timeout = *timeout
	}
	if v := os.Getenv("MEDSCRIBE_TOKEN"); v != "" && cfg.Token == "" {
		cfg.Token = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = cmd.run(ctx, &globals{cfg: cfg, configPath: *configPath}, flag.Args()[1:])
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}

func newLogger(ll *slog.LevelVar) *slog.Logger {
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case int64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: medscribe [flags] <command> [command flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(out, "  %-12s %s\n", n, commands[n].help)
	}
	fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

// newFlagSet returns the flag set of a subcommand.
func newFlagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: medscribe %s [flags] %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

func cmdVersion(ctx context.Context, g *globals, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unknown arguments: %v", args)
	}
	printVersion()
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("medscribe %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// keyValue parses a repeated "key=value" flag.
type keyValue [][2]string

func (kv *keyValue) String() string {
	parts := make([]string, len(*kv))
	for i, p := range *kv {
		parts[i] = p[0] + "=" + p[1]
	}
	return strings.Join(parts, ",")
}

func (kv *keyValue) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	*kv = append(*kv, [2]string{k, v})
	return nil
}
