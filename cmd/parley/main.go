// Parley hosts a pool of LLM agents that talk to people and to each
// other through a small JSON action protocol.
//
// Every agent decision becomes an envelope streamed to WebSocket
// observers, optionally mirrored to MQTT, and every session message is
// kept in a SQLite transcript. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve                      Start the gateway
//	parley init [dir]                 Write a starter config.yaml
//	parley ask -a <agent> <message>   Run one chat turn and print the envelopes
//	parley version                    Print version and build information
//	parley -o json version            Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/spf13/pflag"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/budget"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/delegate"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/mqtt"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/session"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/transcript"
)

// shutdownTimeout bounds how long serve waits for in-flight work after
// a signal.
const shutdownTimeout = 15 * time.Second

// main builds the OS-level environment and hands off to [run], which
// keeps os.Exit, os.Stdout and os.Args out of the application so tests
// can drive it.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string
	agentID    string
	sessionID  string
}

// run is the real entry point. Structured logs go to stdout; the caller
// prints the returned error to stderr. Flags live on a private FlagSet
// so run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var help bool

	flags := pflag.NewFlagSet("parley", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	flags.StringVarP(&opts.outputFmt, "output", "o", "text", "output format: text or json")
	flags.StringVarP(&opts.agentID, "agent", "a", "", "agent to address (ask)")
	flags.StringVarP(&opts.sessionID, "session", "s", "", "session to continue (ask)")
	flags.BoolVarP(&help, "help", "h", false, "show help")

	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return printUsage(stdout, flags)
		}
		return err
	}
	if help {
		return printUsage(stdout, flags)
	}

	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	command := flags.Arg(0)
	var cmdArgs []string
	if flags.NArg() > 1 {
		cmdArgs = flags.Args()[1:]
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return errors.New("usage: parley ask [--agent id] <message>")
		}
		return runAsk(ctx, stdout, stderr, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout, flags)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer, flags *pflag.FlagSet) error {
	fmt.Fprintln(w, "Parley - a multi-agent conversation gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the HTTP/WebSocket gateway")
	fmt.Fprintln(w, "  init [dir]       Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <message>    Run one chat turn and print the envelopes")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flags.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe starts the gateway and blocks until ctx is cancelled or a
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	// Everything after this point logs at the configured level and
	// format. Validate already rejected bad levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"agents", len(cfg.Agents),
		"model", cfg.Models.Default,
	)

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Transcript and exchange records ---
	dbPath := cfg.DataPath("parley.db")
	ts, err := transcript.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open transcript %s: %w", dbPath, err)
	}
	defer ts.Close()
	exchanges, err := delegate.NewStore(ts.DB())
	if err != nil {
		return fmt.Errorf("open exchange store: %w", err)
	}
	logger.Info("database opened", "path", dbPath)

	// --- Metrics ---
	m := metrics.New()

	// --- Routing ---
	// Every envelope goes to subscribed observers and onto the bus, where
	// metrics and the MQTT mirror read it.
	rtr := router.New(logger, cfg.Limits.SendQueue)
	rtr.SetMetrics(m)
	bus := events.NewBus()
	emitter := events.Tee(
		events.EmitterFunc(func(e events.Envelope) {
			rtr.Deliver(e.AgentID, e.SessionID, e)
		}),
		bus,
	)

	// --- Agents ---
	sessions := session.NewRegistry(logger)
	sessions.SetRecorder(ts)

	models := createLLMClient(cfg, logger)
	pool, coord := newPool(cfg, models, sessions, emitter, logger)
	coord.SetStore(exchanges)
	logger.Info("agent pool ready", "agents", strings.Join(cfg.AgentIDs(), ","))

	m.GaugeFunc("sessions_active", "Live sessions across all agents.", func() float64 {
		return float64(sessions.Len())
	})
	m.GaugeFunc("observer_connections", "Connected WebSocket observers.", func() float64 {
		return float64(rtr.ConnCount())
	})
	m.GaugeFunc("pending_agent_calls", "Agent calls waiting for a return.", func() float64 {
		return float64(len(coord.Pending()))
	})

	// Signal handling wraps ctx so every component below shares the
	// same cancellation.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	// --- Dependency health ---
	watch := connwatch.NewManager(logger)
	watch.OnChange(func(name string, ready bool, _ error) {
		m.DependencyUp(name, ready)
	})
	defer watch.Stop()
	if usesProvider(cfg, config.ProviderOllama) {
		watch.Watch(ctx, config.ProviderOllama, models.Ping, connwatch.DefaultBackoff())
	}

	metricsFeed := bus.Subscribe(256)
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Follow(ctx, metricsFeed)
	}()

	// --- MQTT mirror ---
	var mirror *mqtt.Mirror
	if cfg.MQTT.Configured() {
		mirror = mqtt.New(cfg.MQTT, logger)
		mirror.SetChatHandler(func(ctx context.Context, agentID, sessionID, content string) {
			if _, err := pool.HandleChat(ctx, agentID, sessionID, content); err != nil {
				logger.Warn("mqtt chat failed", "agent", agentID, "session", sessionID, "error", err)
			}
		})
		feed := bus.Subscribe(256)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mirror.Start(ctx, feed); err != nil {
				logger.Error("mqtt mirror failed", "error", err)
			}
		}()
		watch.Watch(ctx, "mqtt", mirror.Ping, connwatch.Backoff{Timeout: 2 * time.Second})
		logger.Info("mqtt mirror enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"accept_input", cfg.MQTT.AcceptInput,
		)
	} else {
		logger.Info("mqtt mirror disabled (not configured)")
	}

	// --- Session sweeper ---
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepSessions(ctx, pool, cfg.Limits.SessionMaxAge, cfg.Limits.SweepInterval, logger)
	}()

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, pool, rtr, logger)
	server.SetCoordinator(coord)
	server.SetExchangeStore(exchanges)
	server.SetTranscript(ts)
	server.SetMetricsHandler(m.Handler())
	server.SetHealth(watch)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if mirror != nil {
			if err := mirror.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	// Start blocks until the server is shut down.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	<-stopped

	// Delegated turns run detached from their callers; let them land in
	// the transcript before the database closes.
	waitTimeout(coord.Wait, shutdownTimeout, logger)
	bus.Unsubscribe(metricsFeed)
	wg.Wait()

	published, failed := int64(0), int64(0)
	if mirror != nil {
		published, failed = mirror.Stats()
	}
	logger.Info("parley stopped", "mqtt_published", published, "mqtt_failed", failed)
	return nil
}

// runAsk runs a single chat turn against one agent with an in-memory
// session registry and prints every envelope the turn produces.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options, args []string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)

	agentID := opts.agentID
	if agentID == "" {
		agentID = cfg.Agents[0].ID
	}
	if _, ok := cfg.Agent(agentID); !ok {
		return fmt.Errorf("unknown agent: %s (configured: %s)", agentID, strings.Join(cfg.AgentIDs(), ", "))
	}

	var mu sync.Mutex
	printer := events.EmitterFunc(func(e events.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		printEnvelope(stdout, opts.outputFmt, e)
	})

	pool, coord := newPool(cfg, createLLMClient(cfg, logger), session.NewRegistry(logger), printer, logger)

	res, err := pool.HandleChat(ctx, agentID, opts.sessionID, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	coord.Wait()

	if res.Failed {
		return fmt.Errorf("ask: %s turn failed: %s", res.AgentID, res.Content)
	}
	return nil
}

// printEnvelope writes one envelope. JSON output is one object per line
// in the wire format observers see.
func printEnvelope(w io.Writer, outputFmt string, e events.Envelope) {
	if outputFmt == "json" {
		data, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(w, "marshal %s: %v\n", e.Type, err)
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}

	switch b := e.Body.(type) {
	case events.AgentResponse:
		fmt.Fprintf(w, "[%s] %s %s: %s\n", e.AgentID, e.Type, b.Action, b.Content)
	case events.Notification:
		fmt.Fprintf(w, "[%s] %s %s: %s\n", e.AgentID, e.Type, b.NotificationType, b.Message)
	case events.SystemPrompt:
		fmt.Fprintf(w, "[%s] %s (%d chars)\n", e.AgentID, e.Type, len(b.Content))
	default:
		fmt.Fprintf(w, "[%s] %s\n", e.AgentID, e.Type)
	}
}

// newPool builds the agent pool and its delegation coordinator from cfg.
// Both ask and serve share it so agents behave identically in each.
func newPool(cfg *config.Config, invoker llm.Invoker, sessions *session.Registry, emit events.Emitter, logger *slog.Logger) (*agent.Pool, *delegate.Coordinator) {
	pool := agent.NewPool(agent.PoolConfig{
		Agents:   cfg.Agents,
		Limits:   cfg.Limits,
		Sessions: sessions,
		Invoker:  invoker,
		Tools:    tools.NewRegistry(logger),
		Budget:   budget.NewAccountant(cfg),
		Emitter:  emit,
		Logger:   logger,
	})

	coord := delegate.NewCoordinator(pool, emit, logger)
	coord.SetLimits(cfg.Limits.MaxCallDepth, cfg.Limits.CallTimeout)
	pool.SetCoordinator(coord)
	return pool, coord
}

// usesProvider reports whether any configured model is served by
// provider.
func usesProvider(cfg *config.Config, provider string) bool {
	for _, m := range cfg.Models.Available {
		if m.Provider == provider {
			return true
		}
	}
	return false
}

// sweepSessions closes sessions idle longer than maxAge every interval
// until ctx ends.
func sweepSessions(ctx context.Context, pool *agent.Pool, maxAge, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept := pool.Sweep(maxAge); len(swept) > 0 {
				logger.Info("expired idle sessions", "count", len(swept), "max_age", maxAge)
			}
		}
	}
}

// waitTimeout runs wait and gives up after d.
func waitTimeout(wait func(), d time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		logger.Warn("gave up waiting for delegated turns", "timeout", d)
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist. Returns the
// parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider model invoker. Each model in
// config is mapped to its provider; unmapped models fall through to
// Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider(config.ProviderOllama, ollamaClient)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider(config.ProviderAnthropic, llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("anthropic provider configured")
	}

	if cfg.OpenAI.APIKey != "" {
		var openaiOpts []option.RequestOption
		if cfg.OpenAI.BaseURL != "" {
			openaiOpts = append(openaiOpts, option.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		multi.AddProvider(config.ProviderOpenAI, llm.NewOpenAIClient(cfg.OpenAI.APIKey, logger, openaiOpts...))
		logger.Info("openai provider configured", "base_url", cfg.OpenAI.BaseURL)
	}

	// Providers are already defaulted to ollama by applyDefaults.
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Debug("model invoker initialized", "default_model", cfg.Models.Default, "models", len(cfg.Models.Available))
	return multi
}
