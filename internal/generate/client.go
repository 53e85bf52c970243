package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrEmptyResponse is returned when the model streamed no usable text.
var ErrEmptyResponse = errors.New("model returned empty response")

// Client streams report generations from an OpenAI-compatible endpoint.
type Client struct {
	client    openai.Client
	model     string
	maxTokens int
}

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 6000
	}

	return &Client{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Stream sends the prompt and forwards each text delta to onChunk as it
// arrives. Returns the full accumulated text once the stream ends.
func (c *Client) Stream(ctx context.Context, prompt string, onChunk func(delta string)) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.model),
		MaxTokens: openai.Int(int64(c.maxTokens)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}

	start := time.Now()
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var acc strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			acc.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(choice.Delta.Content)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("stream completion: %w", err)
	}

	text := acc.String()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}

	slog.Info("generation complete", "model", c.model, "chars", len(text), "duration_ms", time.Since(start).Milliseconds())
	return text, nil
}
