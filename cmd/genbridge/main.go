// Genbridge connects a Gemini model to the tools of a provider
// subprocess. It spawns the provider named in the configuration,
// discovers its tools over websocket JSON-RPC, and offers them to the
// model as function declarations.
//
// Usage:
//
//	genbridge chat             Interactive conversation on stdin
//	genbridge ask <prompt>     Send one prompt and print the reply
//	genbridge tools            List the provider's tools
//	genbridge version          Print version and build information
//	genbridge -o json tools    Output the tool list as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/nugget/genbridge/internal/agent"
	"github.com/nugget/genbridge/internal/buildinfo"
	"github.com/nugget/genbridge/internal/config"
	"github.com/nugget/genbridge/internal/llm"
	"github.com/nugget/genbridge/internal/mcp"
	"github.com/nugget/genbridge/internal/supervisor"
	"github.com/nugget/genbridge/internal/tools"
	"github.com/nugget/genbridge/internal/transcript"
)

// exitCommand ends a chat session.
const exitCommand = "/exit"

// main only wires the process environment to [run] so the whole
// command can be driven from tests.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. The conversation goes to stdout and logs
// go to stderr. Arguments are parsed by hand so run has no global state.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: genbridge ask <prompt>")
		}
		return runAsk(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range buildinfo.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f.Key+":", f.Value)
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "genbridge - Gemini function calling over a tool-provider bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: genbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat           Interactive conversation (type /exit to quit)")
	fmt.Fprintln(w, "  ask <prompt>   Send one prompt and print the reply")
	fmt.Fprintln(w, "  tools          List the tools the provider offers")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// bridge is a connected provider session and the tools bridged from it.
type bridge struct {
	cfg      *config.Config
	logger   *slog.Logger
	session  *mcp.Session
	registry *tools.Registry
	store    *transcript.Store
}

// connect loads and validates configuration, then spawns the provider
// and discovers its tools. Nothing is spawned when validation fails.
func connect(ctx context.Context, stderr io.Writer, configPath string) (*bridge, error) {
	cfg, cfgPath, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(true); err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "path", cfgPath, "model", cfg.Gemini.Model, "server", cfg.Server.Command)

	session, err := mcp.Connect(ctx, mcp.ConnectConfig{
		Server: supervisor.ServerParameters{
			Command: cfg.Server.Command,
			Args:    cfg.Server.Args,
			Env:     cfg.Server.Env,
		},
		ConnectTimeout:  cfg.Server.ConnectTimeout(),
		AnnounceTimeout: cfg.Server.AnnounceTimeout(),
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to tool provider: %w", err)
	}

	registry := tools.NewRegistry()
	filter := mcp.Filter{Include: cfg.Server.Include, Exclude: cfg.Server.Exclude}
	if _, err := mcp.Discover(ctx, session, registry, filter, logger); err != nil {
		session.Close()
		return nil, fmt.Errorf("discover tools: %w", err)
	}

	return &bridge{cfg: cfg, logger: logger, session: session, registry: registry}, nil
}

// loop builds the agent loop, opening the transcript when configured.
func (b *bridge) loop() (*agent.Loop, error) {
	client := llm.NewGeminiClient(b.cfg.Gemini.APIKey, b.cfg.Gemini.Model, b.logger,
		llm.WithBaseURL(b.cfg.Gemini.BaseURL),
	)

	acfg := agent.Config{
		SystemPrompt:  b.cfg.Agent.SystemPrompt,
		MaxToolRounds: b.cfg.Agent.MaxToolRounds,
		Stream:        b.cfg.Agent.Stream,
		Params:        llm.GenerationParams(b.cfg.Generation),
	}
	if b.cfg.Transcript.Path != "" {
		store, err := transcript.NewStore(b.cfg.Transcript.Path)
		if err != nil {
			return nil, fmt.Errorf("open transcript: %w", err)
		}
		b.store = store
		acfg.Recorder = store
	}
	return agent.NewLoop(client, b.registry, acfg, b.logger), nil
}

func (b *bridge) Close() {
	if err := b.session.Close(); err != nil {
		b.logger.Debug("session close", "error", err)
	}
	if b.store != nil {
		b.store.Close()
	}
}

// runTools lists the discovered tools.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	b, err := connect(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer b.Close()

	list := b.registry.List()
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No tools available.")
		return nil
	}
	for _, t := range list {
		fmt.Fprintf(stdout, "%-20s %s\n", t.Name, t.Description)
	}
	return nil
}

// runAsk sends one prompt through the agent loop and prints the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, prompt string) error {
	b, err := connect(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer b.Close()

	loop, err := b.loop()
	if err != nil {
		return err
	}

	resp, err := loop.Run(ctx, prompt)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, resp.Text)
	return nil
}

// runChat reads one user turn per stdin line until EOF, /exit, or
// cancellation, then prints a usage summary. A failed turn is reported
// and the conversation continues.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	b, err := connect(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer b.Close()

	loop, err := b.loop()
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Connected: %d tools. Type %s to quit.\n", b.registry.Len(), exitCommand)

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()

chat:
	for {
		fmt.Fprint(stdout, "> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(stdout)
			break chat
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(stdout)
				break chat
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case exitCommand:
			break chat
		}

		resp, err := loop.Run(ctx, line)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, resp.Text)
	}

	return b.printSummary(context.WithoutCancel(ctx), stdout, loop)
}

// printSummary reports conversation totals, from the transcript when
// one is open. The transcript also yields a line per role.
func (b *bridge) printSummary(ctx context.Context, w io.Writer, loop *agent.Loop) error {
	if b.store == nil {
		var sum transcript.Summary
		for _, turn := range loop.History() {
			sum.Turns++
			sum.FunctionCalls += len(turn.FunctionCalls())
		}
		usage := loop.Usage()
		sum.TotalInputTokens = int64(usage.InputTokens)
		sum.TotalOutputTokens = int64(usage.OutputTokens)
		fmt.Fprintf(w, "Conversation %s: %s\n", loop.ConversationID(), formatSummary(sum))
		return nil
	}

	id := loop.ConversationID()
	sum, err := b.store.Summary(ctx, id)
	if err != nil {
		return fmt.Errorf("transcript summary: %w", err)
	}
	byRole, err := b.store.SummaryByRole(ctx, id)
	if err != nil {
		return fmt.Errorf("transcript summary: %w", err)
	}

	fmt.Fprintf(w, "Conversation %s: %s\n", id, formatSummary(*sum))
	roles := make([]string, 0, len(byRole))
	for role := range byRole {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)
	for _, role := range roles {
		fmt.Fprintf(w, "  %-6s %s\n", role+":", formatSummary(*byRole[llm.Role(role)]))
	}
	return nil
}

func formatSummary(s transcript.Summary) string {
	return fmt.Sprintf("%d turns, %d function calls, %d input tokens, %d output tokens",
		s.Turns, s.FunctionCalls, s.TotalInputTokens, s.TotalOutputTokens)
}
