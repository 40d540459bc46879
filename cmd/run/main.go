package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/plugin-sandbox/cache"
	"github.com/wippyai/plugin-sandbox/engine"
	"github.com/wippyai/plugin-sandbox/errors"
	"github.com/wippyai/plugin-sandbox/extractor"
	"github.com/wippyai/plugin-sandbox/fetch"
	"github.com/wippyai/plugin-sandbox/runtime"
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

// realMain returns the exit status so deferred cleanup runs before os.Exit.
func realMain(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var (
		configFile  = fs.String("config", "", "Path to yaml config file")
		endpoint    = fs.String("endpoint", "", "Manifest URL or path (overrides config)")
		content     = fs.String("content", "", "Content to extract (default: stdin)")
		contentFile = fs.String("file", "", "Read content from file")
		pool        = fs.String("pool", "", "Pool policy: none or reuse (overrides config)")
		verbose     = fs.Bool("v", false, "Log to stderr")
		interactive = fs.Bool("i", false, "Interactive mode with TUI")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configFile, *endpoint, *pool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.Endpoint == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -endpoint <manifest> [-content text | -file path]")
		fmt.Fprintln(os.Stderr, "       run -config <sandbox.yaml> < page.html")
		fmt.Fprintln(os.Stderr, "       run -endpoint <manifest> -i  (interactive mode)")
		return 1
	}

	if *verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = log.Sync() }()
		setLoggers(log)
	}

	if *interactive {
		if err := runInteractive(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if err := run(cfg, *content, *contentFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

func loadConfig(path, endpoint, pool string) (extractor.Config, error) {
	var cfg extractor.Config
	if path != "" {
		var err error
		if cfg, err = extractor.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if pool != "" {
		cfg.Pool = extractor.PoolPolicy(pool)
	}

	// local endpoints are resolved against the working directory
	if cfg.Endpoint != "" && !strings.Contains(cfg.Endpoint, "://") {
		abs, err := filepath.Abs(cfg.Endpoint)
		if err != nil {
			return cfg, err
		}
		cfg.Endpoint = abs
	}
	return cfg, nil
}

func setLoggers(log *zap.Logger) {
	cache.SetLogger(log.Named("cache"))
	fetch.SetLogger(log.Named("fetch"))
	engine.SetLogger(log.Named("engine"))
	runtime.SetLogger(log.Named("runtime"))
	extractor.SetLogger(log.Named("extractor"))
}

func readContent(content, file string) (string, error) {
	switch {
	case content != "":
		return content, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read content: %w", err)
		}
		return string(data), nil
	case term.IsTerminal(int(os.Stdin.Fd())):
		return "", fmt.Errorf("no content: use -content, -file or pipe it on stdin")
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
}

func run(cfg extractor.Config, content, file string) error {
	ctx := context.Background()

	input, err := readContent(content, file)
	if err != nil {
		return err
	}

	ex, err := extractor.New(cfg)
	if err != nil {
		return fmt.Errorf("create extractor: %w", err)
	}
	defer ex.Close(ctx)

	res, err := ex.Extract(ctx, input)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	if version, ok := ex.Version(); ok && term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintf(os.Stderr, "Module: %s\n", version)
	}
	fmt.Println(res.Text)
	return nil
}

// exitCode maps fault kinds to distinct exit statuses for scripts.
func exitCode(err error) int {
	switch errors.KindOf(err) {
	case errors.KindInvalidInput:
		return 2
	case errors.KindNetworkUnavailable, errors.KindManifestNotFound,
		errors.KindManifestMalformed, errors.KindModuleNotFound:
		return 3
	case errors.KindVerificationFailed, errors.KindTrustConfigurationMissing:
		return 4
	case errors.KindTimeout, errors.KindResourceExceeded:
		return 5
	default:
		return 1
	}
}
