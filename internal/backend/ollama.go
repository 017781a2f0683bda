package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  OllamaOptions       `json:"options"`
}

// OllamaOptions carries sampling parameters
type OllamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// OllamaResponse represents one streamed line from Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single locally installed model
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Ollama streams completions from a local Ollama server
type Ollama struct {
	host       string
	httpClient *http.Client
}

// NewOllama creates an Ollama streamer for host (e.g. http://localhost:11434)
func NewOllama(host string, httpClient *http.Client) *Ollama {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{host: host, httpClient: httpClient}
}

// Stream opens a chat completion stream.
// Ollama has no request metadata; the session id is sent as a header.
func (o *Ollama) Stream(ctx context.Context, req Request) (Stream, error) {
	reqMessages := make([]map[string]string, len(req.Messages))
	for i, msg := range req.Messages {
		reqMessages[i] = map[string]string{
			"role":    string(msg.Role),
			"content": msg.Content,
		}
	}

	reqBody := OllamaRequest{
		Model:    req.Model,
		Messages: reqMessages,
		Stream:   true,
		Options: OllamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	if id := req.Metadata[MetadataSessionID]; id != "" {
		httpReq.Header.Set("X-Session-Id", id)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(bytes.TrimSpace(body)))
	}

	return &ollamaStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// ListModels fetches the models installed on the Ollama server
func (o *Ollama) ListModels(ctx context.Context) ([]OllamaModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(bytes.TrimSpace(body)))
	}

	var tagsResp OllamaTagsResponse
	if err := json.Unmarshal(body, &tagsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return tagsResp.Models, nil
}

type ollamaStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

// Recv reads one NDJSON line. A line with done=true ends the stream.
func (s *ollamaStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}

		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err == io.EOF {
				return "", io.ErrUnexpectedEOF
			}
			if err != nil {
				return "", err
			}
			continue
		}

		var chunk OllamaResponse
		if jsonErr := json.Unmarshal(line, &chunk); jsonErr != nil {
			return "", fmt.Errorf("failed to unmarshal stream chunk: %w", jsonErr)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Done {
			s.done = true
		}
		if chunk.Message.Content != "" || s.done {
			return chunk.Message.Content, nil
		}
		if err != nil {
			return "", io.ErrUnexpectedEOF
		}
	}
}

func (s *ollamaStream) Close() error {
	return s.body.Close()
}
