// Aoi is a voice companion agent daemon.
//
// It drives conversations through a staged workflow (intent routing,
// tool-assisted chat, reminder extraction, introspection, streamed
// delivery), remembers past conversations episodically, schedules
// reminders, and optionally speaks its answers through a GPT-SoVITS
// synthesizer. Clients connect over WebSocket; configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	aoi serve              Start the agent daemon
//	aoi init [dir]         Initialize a working directory with defaults
//	aoi version            Print version and build information
//	aoi -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/liling/aoi-agent/internal/agent"
	"github.com/liling/aoi-agent/internal/api"
	"github.com/liling/aoi-agent/internal/buildinfo"
	"github.com/liling/aoi-agent/internal/config"
	"github.com/liling/aoi-agent/internal/durable"
	"github.com/liling/aoi-agent/internal/episodic"
	"github.com/liling/aoi-agent/internal/events"
	"github.com/liling/aoi-agent/internal/graph"
	"github.com/liling/aoi-agent/internal/history"
	"github.com/liling/aoi-agent/internal/llm"
	"github.com/liling/aoi-agent/internal/mqtt"
	"github.com/liling/aoi-agent/internal/reminder"
	"github.com/liling/aoi-agent/internal/speech"
	"github.com/liling/aoi-agent/internal/tools"
	"github.com/liling/aoi-agent/internal/ws"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the aoi command. All OS-level
// dependencies are injected as parameters. Arguments are parsed by
// hand: the flag package relies on package-level globals, which makes
// it impossible to call run() concurrently from tests, and the
// argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
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
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Aoi - Voice Companion Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aoi [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the agent daemon")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/aoi/config.yaml, /etc/aoi/config.yaml")
	return nil
}

// initialConfig is written by `aoi init`.
const initialConfig = `# Aoi configuration
listen:
  port: 8080

models:
  provider: ollama        # ollama or deepseek
  default: qwen3:4b
  ollama_url: http://localhost:11434
  # deepseek:
  #   api_key: ${DEEPSEEK_API_KEY}

persona:
  user_name: liling
  ai_name: Aoi
  chat_language: 中文
  system_prompt: |
    You are Aoi, a warm and attentive companion. Keep answers short
    and natural; you are speaking, not writing an essay.

# speech:
#   host: localhost
#   port: 9880
#   ref_audio_path: /path/to/reference.wav
#   prompt_text: 参考音频的文本
#   playback_path: /tmp/aoi-audio

user_id: liling
data_dir: data
log_level: info
log_format: text
`

// runInit creates a working directory with a starter config.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", cfgPath)
	}
	if err := os.WriteFile(cfgPath, []byte(initialConfig), 0644); err != nil {
		return fmt.Errorf("write %s: %w", cfgPath, err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	fmt.Fprintf(w, "Initialized %s\n", dir)
	fmt.Fprintf(w, "Edit %s, then run: aoi serve\n", cfgPath)
	return nil
}

// runServe boots the daemon and blocks until SIGINT/SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Aoi", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that the desired level and format are
	// known.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Models.Provider,
		"model", cfg.Models.Default,
	)

	// --- Data directory and database ---
	// All persistent state (history, reminders, episodes, pending
	// tasks) shares one SQLite database over one connection pool.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "aoi.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close() // last: everything below writes through this pool
	logger.Info("database opened", "path", dbPath)

	durableStore, err := durable.NewStore(db)
	if err != nil {
		return fmt.Errorf("durable store: %w", err)
	}
	reminders, err := reminder.NewManager(db)
	if err != nil {
		return fmt.Errorf("reminder store: %w", err)
	}
	histStore, err := history.NewStore(db)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	episodeStore, err := episodic.NewStore(db)
	if err != nil {
		return fmt.Errorf("episode store: %w", err)
	}

	// --- LLM client ---
	client := newLLMClient(cfg)
	{
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Ping(pingCtx); err != nil {
			logger.Warn("LLM provider unreachable at startup", "provider", cfg.Models.Provider, "error", err)
		}
		cancel()
	}

	// --- Event bus and connection registry ---
	// bgCtx outlives the signal context so drains finish after
	// SIGINT; it is cancelled explicitly at the end of teardown.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	bus := events.New(logger, 256)
	registry := ws.New(logger)
	bus.AddSink(registry)

	// --- Optional MQTT notifier ---
	var notifier *mqtt.Notifier
	if cfg.MQTT.Broker != "" {
		notifier = mqtt.NewNotifier(logger, mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			ClientID: cfg.MQTT.ClientID,
		}, cfg.UserID)
		if err := notifier.Start(bgCtx); err != nil {
			logger.Warn("mqtt notifier disabled", "error", err)
			notifier = nil
		} else {
			bus.AddSink(notifier)
		}
	}

	// All sinks registered; start the single consumer.
	go bus.Run(bgCtx)

	// --- Tools and workflow engine ---
	registryTools := tools.NewRegistry()
	registryTools.SetReminderManager(reminders)
	engine := graph.New(logger, client, cfg.Models.Default, registryTools, reminders, bus)

	// --- Speech pipeline (optional) ---
	var pipeline *speech.Pipeline
	if cfg.Speech.RefAudioPath != "" && cfg.Speech.PlaybackPath != "" {
		synth := speech.NewSoVITSClient(speech.SoVITSConfig{
			Host:              cfg.Speech.Host,
			Port:              cfg.Speech.Port,
			RefAudioPath:      cfg.Speech.RefAudioPath,
			PromptText:        cfg.Speech.PromptText,
			TextLang:          cfg.Persona.ChatLanguage,
			PromptLang:        cfg.Persona.ChatLanguage,
			TextSplitMethod:   cfg.Speech.TextSplitMethod,
			SpeedFactor:       cfg.Speech.SpeedFactor,
			SampleSteps:       cfg.Speech.SampleSteps,
			GPTWeightsPath:    cfg.Speech.GPTWeightsPath,
			SovitsWeightsPath: cfg.Speech.SovitsWeightsPath,
		})

		weightsCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		if err := synth.SetWeights(weightsCtx); err != nil {
			logger.Warn("speech weights not loaded", "error", err)
		}
		cancel()

		sink, err := speech.OpenFileSink(cfg.Speech.PlaybackPath)
		if err != nil {
			return err
		}
		pipeline = speech.NewPipeline(logger, synth, sink,
			speech.WithChunkBytes(cfg.Speech.PlaybackChunkBytes),
			speech.WithIdleFlush(time.Duration(cfg.Speech.IdleFlushMillis)*time.Millisecond),
		)
		pipeline.Start(bgCtx)
		logger.Info("speech pipeline started", "playback", cfg.Speech.PlaybackPath)
	}

	// --- Durable executor and agent ---
	// The executor's callback is the agent's reflection handler; the
	// agent in turn submits to the executor. Late-bind the callback to
	// break the construction cycle.
	var reflectFn durable.ExecuteFunc
	executor := durable.New(logger, durableStore, func(ctx context.Context, key string, payload json.RawMessage) error {
		return reflectFn(ctx, key, payload)
	})

	reflector := episodic.NewReflector(logger, client, cfg.Models.Default, episodeStore)
	ag := agent.New(agent.Config{
		Logger: logger,
		Persona: agent.Persona{
			SystemPrompt: cfg.Persona.SystemPrompt,
			UserName:     cfg.Persona.UserName,
			AIName:       cfg.Persona.AIName,
			ChatLanguage: cfg.Persona.ChatLanguage,
		},
		UserID:          cfg.UserID,
		Engine:          engine,
		Client:          client,
		Model:           cfg.Models.Default,
		History:         histStore,
		Episodes:        episodeStore,
		Reflector:       reflector,
		Executor:        executor,
		Bus:             bus,
		Pipeline:        pipeline,
		ReflectionDelay: time.Duration(cfg.Reflection.DelaySeconds) * time.Second,
	})
	reflectFn = ag.HandleReflection

	resumed, err := executor.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume pending tasks: %w", err)
	}
	if resumed > 0 {
		logger.Info("pending tasks resumed", "count", resumed)
	}

	// --- Reminder scheduler ---
	schedCtx, schedCancel := context.WithCancel(bgCtx)
	defer schedCancel()
	scheduler := reminder.NewScheduler(logger, reminders, bus, cfg.UserID)
	go scheduler.Run(schedCtx)

	// --- HTTP/WebSocket server ---
	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(listen, ag, registry, histStore, reminders, logger)

	// SIGINT/SIGTERM cancels ctx; the goroutine below then stops
	// intake, and the ordered teardown after Start returns does the
	// rest.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Ordered teardown: intake is stopped; now stop the scheduler,
	// drain in-flight durable work (pending rows stay for the next
	// run), flush speech, disconnect MQTT. The database closes last
	// via the deferred db.Close.
	schedCancel()
	<-scheduler.Done()
	executor.Shutdown(true, false)
	if pipeline != nil {
		if err := pipeline.Stop(); err != nil {
			logger.Warn("speech pipeline stop", "error", err)
		}
	}
	if notifier != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := notifier.Stop(stopCtx); err != nil {
			logger.Warn("mqtt stop", "error", err)
		}
		stopCancel()
	}

	logger.Info("Aoi stopped")
	return nil
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

// loadConfig locates and parses the YAML configuration file.
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

// newLLMClient builds the configured provider's client.
func newLLMClient(cfg *config.Config) llm.Client {
	if cfg.Models.Provider == "deepseek" {
		return llm.NewDeepSeekClient(cfg.Models.DeepSeek.APIKey, cfg.Models.DeepSeek.BaseURL)
	}
	return llm.NewOllamaClient(cfg.Models.OllamaURL)
}
