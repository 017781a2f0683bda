package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"StreamChat/internal/backend"
	"StreamChat/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrEmptyQuery = errors.New("empty query")
	ErrBusy       = errors.New("a completion is already streaming")
)

// Status reports whether a completion is streaming
type Status int

const (
	StatusIdle Status = iota
	StatusBusy
)

func (s Status) String() string {
	if s == StatusBusy {
		return "busy"
	}
	return "idle"
}

// EventKind names a state transition observers are told about
type EventKind string

const (
	EventStatus         EventKind = "status"
	EventTurnAppended   EventKind = "turn_appended"
	EventContentUpdated EventKind = "content_updated"
	EventTurnFinalized  EventKind = "turn_finalized"
	EventCleared        EventKind = "cleared"
)

// Event is delivered synchronously to observers after each state change.
// Turn is a copy; Delta is set only for content updates; Err only for a
// turn finalized after a stream failure.
type Event struct {
	Kind   EventKind
	Status Status
	Index  int
	Turn   session.Turn
	Delta  string
	Err    error
}

// Observer receives controller events
type Observer func(Event)

// Recorder stores finished exchanges
type Recorder interface {
	Record(ctx context.Context, sess session.Context, turns ...session.Turn) error
}

// Options configures a Controller. Zero values fall back to the defaults below.
type Options struct {
	Temperature    float64
	MaxTokens      int
	RequestTimeout time.Duration

	Logger   *slog.Logger
	Tracer   trace.Tracer
	Meter    metric.Meter
	Recorder Recorder
}

const (
	DefaultTemperature = 0.01
	DefaultMaxTokens   = 512
)

// Controller drives request/response cycles for one session,
// with at most one completion streaming at a time.
type Controller struct {
	sess       session.Context
	transcript *session.Transcript
	streamer   backend.Streamer
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer

	mu     sync.Mutex
	status Status

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	duration metric.Float64Histogram
	deltas   metric.Int64Counter
	failures metric.Int64Counter
}

// NewController creates a controller owning a fresh transcript for sess
func NewController(sess session.Context, streamer backend.Streamer, opts Options) *Controller {
	if opts.Temperature == 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter("")
	}

	c := &Controller{
		sess:       sess,
		transcript: session.NewTranscript(),
		streamer:   streamer,
		opts:       opts,
		logger:     opts.Logger.With("session_id", sess.ID),
		tracer:     opts.Tracer,
		observers:  make(map[int]Observer),
	}
	c.initMetrics(opts.Meter)
	return c
}

func (c *Controller) initMetrics(meter metric.Meter) {
	fallback := metricnoop.NewMeterProvider().Meter("")
	var err error

	c.duration, err = meter.Float64Histogram(
		"llm.stream.duration",
		metric.WithDescription("Completion stream duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		c.logger.Warn("failed to create histogram", "error", err)
		c.duration, _ = fallback.Float64Histogram("llm.stream.duration")
	}

	c.deltas, err = meter.Int64Counter(
		"llm.stream.deltas",
		metric.WithDescription("Text deltas received from completion streams"),
	)
	if err != nil {
		c.logger.Warn("failed to create counter", "error", err)
		c.deltas, _ = fallback.Int64Counter("llm.stream.deltas")
	}

	c.failures, err = meter.Int64Counter(
		"llm.stream.failures",
		metric.WithDescription("Completion streams that ended in an error"),
	)
	if err != nil {
		c.logger.Warn("failed to create counter", "error", err)
		c.failures, _ = fallback.Int64Counter("llm.stream.failures")
	}
}

// Session returns the session context
func (c *Controller) Session() session.Context {
	return c.sess
}

// Status returns the current status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// History returns the current transcript snapshot
func (c *Controller) History() []session.Turn {
	return c.transcript.Snapshot()
}

// Subscribe registers an observer and returns a func that removes it
func (c *Controller) Subscribe(o Observer) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = o
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Controller) emit(ev Event) {
	c.obsMu.RLock()
	observers := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.obsMu.RUnlock()

	for _, o := range observers {
		o(ev)
	}
}

// ClearHistory empties the transcript. It is rejected with ErrBusy while a
// completion is streaming, since the pending turn would be left dangling.
func (c *Controller) ClearHistory() error {
	c.mu.Lock()
	if c.status == StatusBusy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.transcript.Clear()
	c.mu.Unlock()

	c.logger.Info("cleared chat history")
	c.emit(Event{Kind: EventCleared})
	return nil
}

func (c *Controller) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusBusy {
		return false
	}
	c.status = StatusBusy
	return true
}

func (c *Controller) release() {
	c.mu.Lock()
	c.status = StatusIdle
	c.mu.Unlock()
	c.emit(Event{Kind: EventStatus, Status: StatusIdle})
}

// Submit runs one request/response cycle for query.
//
// Blank queries return ErrEmptyQuery and a submit while busy returns ErrBusy;
// neither touches the transcript. Stream failures are never returned: they
// are written into the assistant turn instead. The controller is back to
// idle when Submit returns, whatever happened.
func (c *Controller) Submit(ctx context.Context, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrEmptyQuery
	}
	if !c.acquire() {
		c.logger.Debug("rejected concurrent submission")
		return ErrBusy
	}
	c.emit(Event{Kind: EventStatus, Status: StatusBusy})
	defer c.release()

	ctx, span := c.tracer.Start(ctx, "chat_completion_stream",
		trace.WithAttributes(
			attribute.String("session.id", c.sess.ID),
			attribute.String("llm.model", c.sess.Model),
		),
	)
	defer span.End()

	start := time.Now()

	userTurn := session.NewTurn(session.RoleUser, query)
	userIdx, err := c.transcript.Append(userTurn)
	if err != nil {
		c.logger.Error("failed to append user turn", "error", err)
		return nil
	}
	c.emit(Event{Kind: EventTurnAppended, Index: userIdx, Turn: userTurn})

	// The pending turn is not part of the context sent upstream.
	history := c.transcript.Snapshot()

	pending := session.NewTurn(session.RoleAssistant, "")
	pending.Pending = true
	idx, err := c.transcript.Append(pending)
	if err != nil {
		c.logger.Error("failed to append pending turn", "error", err)
		return nil
	}
	c.emit(Event{Kind: EventTurnAppended, Index: idx, Turn: pending})

	n, streamErr := c.consume(ctx, idx, history)
	if streamErr != nil {
		if err := c.transcript.ReplaceAt(idx, fmt.Sprintf("An error occurred: %v", streamErr)); err != nil {
			c.logger.Error("failed to write error into pending turn", "error", err)
		}
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
		c.failures.Add(ctx, 1)
		c.logger.Error("completion stream failed", "model", c.sess.Model, "deltas", n, "error", streamErr)
	}

	if err := c.transcript.Finalize(idx); err != nil {
		c.logger.Error("failed to finalize pending turn", "error", err)
	}
	final, err := c.transcript.Turn(idx)
	if err != nil {
		c.logger.Error("failed to read finalized turn", "error", err)
		return nil
	}
	c.emit(Event{Kind: EventTurnFinalized, Index: idx, Turn: final, Err: streamErr})

	elapsed := time.Since(start)
	c.duration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("llm.model", c.sess.Model)))
	span.SetAttributes(attribute.Int("llm.stream.deltas", n))
	c.logger.Info("completion finished",
		"model", c.sess.Model,
		"deltas", n,
		"duration_ms", elapsed.Milliseconds(),
		"failed", streamErr != nil,
	)

	c.record(ctx, userTurn, final)
	return nil
}

// consume opens the stream and applies deltas to the turn at idx in arrival order
func (c *Controller) consume(ctx context.Context, idx int, history []session.Turn) (int, error) {
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	stream, err := c.streamer.Stream(ctx, backend.Request{
		Model:       c.sess.Model,
		Messages:    history,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
		Metadata:    map[string]string{backend.MetadataSessionID: c.sess.ID},
	})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			c.logger.Debug("failed to close stream", "error", err)
		}
	}()

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if delta == "" {
			continue
		}

		if err := c.transcript.AppendAt(idx, delta); err != nil {
			return n, fmt.Errorf("failed to append delta: %w", err)
		}
		n++
		c.deltas.Add(ctx, 1)

		turn, err := c.transcript.Turn(idx)
		if err != nil {
			return n, fmt.Errorf("failed to read pending turn: %w", err)
		}
		c.emit(Event{Kind: EventContentUpdated, Index: idx, Turn: turn, Delta: delta})
	}
}

func (c *Controller) record(ctx context.Context, turns ...session.Turn) {
	if c.opts.Recorder == nil {
		return
	}
	if err := c.opts.Recorder.Record(context.WithoutCancel(ctx), c.sess, turns...); err != nil {
		c.logger.Error("failed to journal exchange", "error", err)
	}
}
