package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAI streams completions from any OpenAI-compatible endpoint
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI creates an OpenAI-compatible streamer. An empty baseURL targets api.openai.com.
func NewOpenAI(apiKey, baseURL string, httpClient *http.Client) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

// Stream opens a chat completion stream
func (o *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      true,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream   *openai.ChatCompletionStream
	finished bool
}

// Recv returns the next content delta. go-openai reports both [DONE] and a
// dropped connection as io.EOF, so an end without any finish_reason is
// treated as truncation.
func (s *openAIStream) Recv() (string, error) {
	chunk, err := s.stream.Recv()
	if errors.Is(err, io.EOF) && !s.finished {
		return "", io.ErrUnexpectedEOF
	}
	if err != nil {
		return "", err
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	if chunk.Choices[0].FinishReason != "" {
		s.finished = true
	}
	return chunk.Choices[0].Delta.Content, nil
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
