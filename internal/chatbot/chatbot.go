package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"StreamChat/internal/backend"
	"StreamChat/internal/config"
	"StreamChat/internal/journal"
	"StreamChat/internal/session"
	"StreamChat/internal/telemetry"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// modelLister is implemented by backends that can enumerate local models
type modelLister interface {
	ListModels(ctx context.Context) ([]backend.OllamaModel, error)
}

// ChatBot represents the main application
type ChatBot struct {
	config   config.Config
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	streamer backend.Streamer
	journal  *journal.Journal
	closers  []func()
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tracer, meter, shutdown, err := telemetry.InitTelemetry(context.Background(), cfg.LogDir)
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	streamer, err := backend.New(cfg, &http.Client{})
	if err != nil {
		shutdown()
		_ = logFile.Close()
		return nil, fmt.Errorf("failed to initialize backend: %w", err)
	}

	cb := &ChatBot{
		config:   cfg,
		logger:   logger,
		tracer:   tracer,
		meter:    meter,
		streamer: streamer,
		closers:  []func(){shutdown, func() { _ = logFile.Close() }},
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			cb.Close()
			return nil, fmt.Errorf("failed to initialize journal: %w", err)
		}
		cb.journal = j
		cb.closers = append([]func(){func() {
			if err := j.Close(); err != nil {
				logger.Error("failed to close journal", "error", err)
			}
		}}, cb.closers...)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}
	return cb, nil
}

// Logger returns the application logger
func (cb *ChatBot) Logger() *slog.Logger {
	return cb.logger
}

// NewController starts a new session with its own transcript
func (cb *ChatBot) NewController() *Controller {
	sess := session.NewContext(cb.config.Backend, cb.config.Model)
	opts := Options{
		Temperature:    cb.config.Temperature,
		MaxTokens:      cb.config.MaxTokens,
		RequestTimeout: cb.config.RequestTimeout,
		Logger:         cb.logger,
		Tracer:         cb.tracer,
		Meter:          cb.meter,
	}
	if cb.journal != nil {
		opts.Recorder = cb.journal
	}
	cb.logger.Info("created new session", "session_id", sess.ID, "backend", sess.Backend, "model", sess.Model)
	return NewController(sess, cb.streamer, opts)
}

// Close releases the journal, telemetry providers and log files
func (cb *ChatBot) Close() {
	for _, fn := range cb.closers {
		fn()
	}
	cb.closers = nil
}

// Run starts the terminal chat loop on one session
func (cb *ChatBot) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctrl := cb.NewController()
	unsubscribe := ctrl.Subscribe(terminalRenderer(out))
	defer unsubscribe()

	sess := ctrl.Session()
	fmt.Fprintln(out, "=== StreamChat ===")
	fmt.Fprintf(out, "Session: %s\n", sess.ID)
	fmt.Fprintf(out, "Model: %s (%s)\n", sess.Model, sess.Backend)
	fmt.Fprintln(out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines, scanErr := readLines(ctx, in)

loop:
	for {
		fmt.Fprint(out, "You: ")
		var input string
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			input = strings.TrimSpace(line)
		}
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, ctrl, input, out)
			if err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break loop
			}
			continue
		}

		if err := ctrl.Submit(ctx, input); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}

	select {
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	default:
	}

	fmt.Fprintln(out, "Goodbye!")
	return nil
}

// readLines scans in on its own goroutine so the loop can also watch ctx
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()
	return lines, errs
}

// terminalRenderer prints assistant text as it streams in
func terminalRenderer(out io.Writer) Observer {
	return func(ev Event) {
		switch ev.Kind {
		case EventTurnAppended:
			if ev.Turn.Role == session.RoleAssistant {
				fmt.Fprint(out, "Bot: ")
			}
		case EventContentUpdated:
			fmt.Fprint(out, ev.Delta)
		case EventTurnFinalized:
			if ev.Err != nil {
				fmt.Fprint(out, "\n"+ev.Turn.Content)
			}
			fmt.Fprint(out, "\n\n")
		case EventCleared:
			fmt.Fprintln(out, "Started a new chat")
		}
	}
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, ctrl *Controller, cmd string, out io.Writer) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new-chat", "/new-session":
		return false, ctrl.ClearHistory()

	case "/history":
		turns := ctrl.History()
		if len(turns) == 0 {
			fmt.Fprintln(out, "No messages yet.")
			return false, nil
		}
		fmt.Fprintln(out)
		for i, turn := range turns {
			fmt.Fprintf(out, "%d. [%s] %s\n", i+1, turn.Role, turn.Display())
		}
		fmt.Fprintln(out)
		return false, nil

	case "/session":
		sess := ctrl.Session()
		fmt.Fprintf(out, "Session: %s\nModel: %s (%s)\nStarted: %s\nStatus: %s\n",
			sess.ID, sess.Model, sess.Backend, sess.StartTime.Format("2006-01-02 15:04:05"), ctrl.Status())
		return false, nil

	case "/list-ollama-models":
		lister, ok := cb.streamer.(modelLister)
		if !ok {
			return false, fmt.Errorf("model listing requires the %s backend", config.BackendOllama)
		}
		models, err := lister.ListModels(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to list Ollama models: %w", err)
		}
		fmt.Fprintln(out, "\nAvailable Ollama models:")
		for i, model := range models {
			sizeGB := float64(model.Size) / (1024 * 1024 * 1024)
			current := ""
			if model.Name == ctrl.Session().Model {
				current = " (current)"
			}
			fmt.Fprintf(out, "%d. %s - %.2f GB%s\n", i+1, model.Name, sizeGB, current)
		}
		fmt.Fprintln(out)
		return false, nil

	case "/help":
		fmt.Fprintln(out, "Available commands:")
		fmt.Fprintln(out, "  /quit, /exit  - Exit the chat")
		fmt.Fprintln(out, "  /new-chat     - Clear the conversation and start over")
		fmt.Fprintln(out, "  /history      - Show the conversation so far")
		fmt.Fprintln(out, "  /session      - Show session details")
		fmt.Fprintln(out, "  /list-ollama-models - List models installed on the Ollama server")
		fmt.Fprintln(out, "  /help         - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}
