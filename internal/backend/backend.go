package backend

import (
	"context"
	"fmt"
	"net/http"

	"StreamChat/internal/config"
	"StreamChat/internal/session"
)

// MetadataSessionID is the metadata key carrying the session correlation id
const MetadataSessionID = "session_id"

// Request is one streaming chat completion call
type Request struct {
	Model       string
	Messages    []session.Turn
	Temperature float64
	MaxTokens   int
	Metadata    map[string]string
}

// Stream is a lazy, finite sequence of text deltas.
// Recv returns io.EOF once the stream has ended gracefully.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Streamer opens streaming chat completions
type Streamer interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// New creates the streamer selected by cfg.Backend
func New(cfg config.Config, httpClient *http.Client) (Streamer, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, httpClient), nil
	case config.BackendOllama:
		return NewOllama(cfg.OllamaHost, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}
