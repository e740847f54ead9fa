// Genbridge-provider is the tool-provider subprocess launched by
// genbridge. It serves the generate_text tool over a websocket JSON-RPC
// endpoint on an ephemeral loopback port.
//
// Stdout carries exactly two lines: a startup notice, then the endpoint
// announcement (ws://host:port). All logging goes to stderr.
//
// Usage:
//
//	genbridge-provider [-config path] [-host addr]
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/genbridge/internal/buildinfo"
	"github.com/nugget/genbridge/internal/config"
	"github.com/nugget/genbridge/internal/llm"
	"github.com/nugget/genbridge/internal/provider"
	"github.com/nugget/genbridge/internal/tools"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run starts the provider and blocks until ctx is cancelled. It returns
// nil on a cancellation-initiated shutdown.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath, host string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-host" && i+1 < len(args):
			host = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-host="):
			host = strings.TrimPrefix(args[i], "-host=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	cfg, cfgPath, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if host != "" {
		cfg.Provider.ListenHost = host
	}
	if err := cfg.Validate(false); err != nil {
		return err
	}

	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("starting genbridge-provider",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"model", cfg.Gemini.Model,
	)

	client := llm.NewGeminiClient(cfg.Gemini.APIKey, cfg.Gemini.Model, logger,
		llm.WithBaseURL(cfg.Gemini.BaseURL),
	)

	registry := tools.NewRegistry()
	registry.Register(provider.NewGenerateTextTool(client, llm.GenerationParams(cfg.Generation), logger))

	ln, err := provider.Listen(cfg.Provider.ListenHost)
	if err != nil {
		return err
	}

	// Notice first, then the announcement; nothing else goes to stdout.
	fmt.Fprintf(stdout, "%s starting\n", buildinfo.String())
	fmt.Fprintln(stdout, provider.Endpoint(ln))

	return provider.NewServer(registry, logger).Serve(ctx, ln)
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "genbridge-provider - Gemini tool provider for genbridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: genbridge-provider [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -host <addr>     Listen address (default: 127.0.0.1)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "The endpoint is printed on stdout; logs go to stderr.")
	return nil
}
