package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"StreamChat/internal/chatbot"
	"StreamChat/internal/session"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	writeTimeout      = 10 * time.Second
	outboundQueueSize = 256
	maxFrameBytes     = 64 * 1024
)

var errClientGone = errors.New("client disconnected")

// ControllerFactory starts a new session for a connection
type ControllerFactory func() *chatbot.Controller

// ClientFrame is a command sent by a browser renderer
type ClientFrame struct {
	Type  string `json:"type"` // submit | clear | history
	Query string `json:"query,omitempty"`
}

// ServerFrame is pushed to the browser renderer
type ServerFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Status    string         `json:"status,omitempty"`
	Index     *int           `json:"index,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	Turn      *session.Turn  `json:"turn,omitempty"`
	Turns     []session.Turn `json:"turns,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Server exposes one chat session per websocket connection
type Server struct {
	newController ControllerFactory
	logger        *slog.Logger
	upgrader      websocket.Upgrader
}

// New creates a websocket server
func New(factory ControllerFactory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		newController: factory,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	ctrl := s.newController()
	sess := ctrl.Session()
	logger := s.logger.With("session_id", sess.ID)
	logger.Info("websocket connected", "remote", r.RemoteAddr)

	g, ctx := errgroup.WithContext(r.Context())
	c := &connection{
		conn:   conn,
		ctrl:   ctrl,
		logger: logger,
		out:    make(chan ServerFrame, outboundQueueSize),
		ctx:    ctx,
	}

	unsubscribe := ctrl.Subscribe(func(ev chatbot.Event) {
		c.send(frameFromEvent(ev))
	})

	c.send(ServerFrame{Type: "session", SessionID: sess.ID, Model: sess.Model, Status: ctrl.Status().String()})
	c.send(ServerFrame{Type: "history", Turns: ctrl.History()})

	g.Go(c.writeLoop)
	g.Go(c.readLoop)
	g.Go(func() error {
		<-ctx.Done()
		// unblocks readLoop
		return conn.Close()
	})

	err = g.Wait()
	// An in-flight submit sees ctx cancelled and returns to idle before we unsubscribe.
	c.submits.Wait()
	unsubscribe()

	if err != nil && !errors.Is(err, errClientGone) && !errors.Is(err, context.Canceled) {
		logger.Warn("websocket closed with error", "error", err)
	}
	logger.Info("websocket disconnected")
}

type connection struct {
	conn    *websocket.Conn
	ctrl    *chatbot.Controller
	logger  *slog.Logger
	out     chan ServerFrame
	ctx     context.Context
	submits sync.WaitGroup
}

func (c *connection) send(f ServerFrame) {
	select {
	case c.out <- f:
	case <-c.ctx.Done():
	}
}

func (c *connection) writeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case f := <-c.out:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return err
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return fmt.Errorf("failed to write frame: %w", err)
			}
		}
	}
}

func (c *connection) readLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			return errClientGone
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.send(ServerFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		c.dispatch(frame)
	}
}

func (c *connection) dispatch(frame ClientFrame) {
	switch frame.Type {
	case "submit":
		// Runs off the read loop so a second submit can be read and rejected while this one streams.
		c.submits.Add(1)
		go func() {
			defer c.submits.Done()
			err := c.ctrl.Submit(c.ctx, frame.Query)
			switch {
			case errors.Is(err, chatbot.ErrBusy):
				c.send(ServerFrame{Type: "error", Error: "busy"})
			case err != nil && !errors.Is(err, chatbot.ErrEmptyQuery):
				c.logger.Error("submit failed", "error", err)
			}
		}()
	case "clear":
		if err := c.ctrl.ClearHistory(); err != nil {
			c.send(ServerFrame{Type: "error", Error: "busy"})
		}
	case "history":
		c.send(ServerFrame{Type: "history", Turns: c.ctrl.History()})
	default:
		c.send(ServerFrame{Type: "error", Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
	}
}

func frameFromEvent(ev chatbot.Event) ServerFrame {
	f := ServerFrame{Type: string(ev.Kind)}
	switch ev.Kind {
	case chatbot.EventStatus:
		f.Status = ev.Status.String()
	case chatbot.EventTurnAppended, chatbot.EventContentUpdated, chatbot.EventTurnFinalized:
		idx := ev.Index
		turn := ev.Turn
		f.Index = &idx
		f.Turn = &turn
		f.Delta = ev.Delta
		if ev.Err != nil {
			f.Error = ev.Err.Error()
		}
	}
	return f
}
