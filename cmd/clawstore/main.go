// Command clawstore is a small CLI front end over the embedded storage
// engine, useful for smoke-testing a data directory and for scripting
// simple put/get/range/flush operations outside of a Go program.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/clawstore/clawstore/config"
	"github.com/clawstore/clawstore/engine"
	"github.com/clawstore/clawstore/sys"
)

func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})), closer, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "clawstore:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (optional; built-in defaults otherwise)")
		dataDir    = flag.String("data-dir", "./data", "data directory to open")
		preset     = flag.String("preset", "embedded", "config preset when no -config is given: server, embedded, or constrained")
		table      = flag.String("table", "", "table name for -put/-get/-delete/-range")
		putKey     = flag.String("put", "", "key to write; pairs with -value")
		value      = flag.String("value", "", "value for -put")
		getKey     = flag.String("get", "", "key to read")
		deleteKey  = flag.String("delete", "", "key to delete")
		doRange    = flag.Bool("range", false, "list every live key in -table")
		doFlush    = flag.Bool("flush", false, "force a synchronous trickle pass before exiting")
		debugFDs   = flag.Bool("debug-fds", false, "track every sys-layer file handle and print the still-open set on exit (diagnostic; adds overhead)")
	)
	flag.Parse()

	if *debugFDs {
		sys.SetDebugMode(true)
		defer sys.PrintMapFiles()
	}

	cfg, err := loadConfig(*configPath, *preset)
	if err != nil {
		return err
	}

	logger, closer, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(logger)

	shutdownTracing, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracer provider shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.Open(*dataDir, cfg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer e.Close()

	if *table == "" && (*putKey != "" || *getKey != "" || *deleteKey != "" || *doRange) {
		return fmt.Errorf("-table is required alongside -put/-get/-delete/-range")
	}

	switch {
	case *putKey != "":
		if err := e.Put(ctx, *table, []byte(*putKey), []byte(*value)); err != nil {
			return fmt.Errorf("put: %w", err)
		}
	case *getKey != "":
		val, ok, err := e.Get(ctx, *table, []byte(*getKey))
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		if !ok {
			fmt.Println("(not found)")
		} else {
			fmt.Println(string(val))
		}
	case *deleteKey != "":
		if err := e.Delete(ctx, *table, []byte(*deleteKey)); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	case *doRange:
		entries, err := e.Range(ctx, *table, nil, nil)
		if err != nil {
			return fmt.Errorf("range: %w", err)
		}
		for _, kv := range entries {
			fmt.Printf("%s\t%s\n", kv.Key, kv.Value)
		}
	case term.IsTerminal(int(os.Stdin.Fd())):
		// No single-shot operation was requested and stdin is a real
		// terminal: drop into an interactive session instead of exiting
		// immediately having done nothing.
		if err := repl(ctx, e); err != nil {
			return fmt.Errorf("interactive session: %w", err)
		}
	}

	if *doFlush {
		if err := e.FlushNow(ctx); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}

	return nil
}

// repl runs a line-oriented interactive session over e: "put table key
// value", "get table key", "delete table key", "range table", "flush", or
// "quit". Used when clawstore is invoked with no operation flags from a
// terminal, rather than the CLI simply exiting having done nothing.
func repl(ctx context.Context, e *engine.Engine) error {
	fmt.Fprintln(os.Stdout, "clawstore interactive session; commands: put/get/delete/range/flush/quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stdout, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := dispatch(ctx, e, fields); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func dispatch(ctx context.Context, e *engine.Engine, fields []string) error {
	switch fields[0] {
	case "quit", "exit":
		os.Exit(0)
	case "put":
		if len(fields) != 4 {
			return fmt.Errorf("usage: put <table> <key> <value>")
		}
		return e.Put(ctx, fields[1], []byte(fields[2]), []byte(fields[3]))
	case "get":
		if len(fields) != 3 {
			return fmt.Errorf("usage: get <table> <key>")
		}
		val, ok, err := e.Get(ctx, fields[1], []byte(fields[2]))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("(not found)")
		} else {
			fmt.Println(string(val))
		}
	case "delete":
		if len(fields) != 3 {
			return fmt.Errorf("usage: delete <table> <key>")
		}
		return e.Delete(ctx, fields[1], []byte(fields[2]))
	case "range":
		if len(fields) != 2 {
			return fmt.Errorf("usage: range <table>")
		}
		entries, err := e.Range(ctx, fields[1], nil, nil)
		if err != nil {
			return err
		}
		for _, kv := range entries {
			fmt.Printf("%s\t%s\n", kv.Key, kv.Value)
		}
	case "flush":
		return e.FlushNow(ctx)
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func loadConfig(path, preset string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	switch strings.ToLower(preset) {
	case "server":
		return config.ServerPreset(), nil
	case "constrained":
		return config.ConstrainedPreset(), nil
	case "embedded", "":
		return config.EmbeddedPreset(), nil
	default:
		return nil, fmt.Errorf("unknown preset %q", preset)
	}
}
