package aiclient

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

// ChatClient produces grounded answers via the provider's chat-completions
// API, buffered or streamed.
type ChatClient struct {
	client openai.Client
	model  string
}

// NewChatClient creates a ChatClient. baseURL may point at any
// OpenAI-compatible endpoint.
func NewChatClient(apiKey, baseURL, model string) *ChatClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &ChatClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Model returns the chat model identifier.
func (c *ChatClient) Model() string { return c.model }

// Complete generates a buffered completion. Returns the text and the
// completion token count reported by the provider.
func (c *ChatClient) Complete(ctx context.Context, system, user string, maxTokens int) (string, int, error) {
	type completion struct {
		text   string
		tokens int
	}

	result, err := withRetry(ctx, "chat_complete", func() (completion, error) {
		resp, err := c.client.Chat.Completions.New(ctx, c.params(system, user, maxTokens))
		if err != nil {
			return completion{}, err
		}
		if len(resp.Choices) == 0 {
			return completion{}, fmt.Errorf("no choices returned")
		}
		return completion{
			text:   resp.Choices[0].Message.Content,
			tokens: int(resp.Usage.CompletionTokens),
		}, nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("aiclient.Complete: %w", err)
	}
	return result.text, result.tokens, nil
}

// Stream generates a completion, forwarding each content delta to onDelta as
// it arrives. Returns the accumulated text. A non-nil error from onDelta
// aborts the stream.
func (c *ChatClient) Stream(ctx context.Context, system, user string, maxTokens int, onDelta func(delta string) error) (string, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(system, user, maxTokens))
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		event := stream.Current()
		if len(event.Choices) == 0 {
			continue
		}
		delta := event.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return full.String(), fmt.Errorf("aiclient.Stream: consumer: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		if isRetryable(err) {
			return full.String(), fmt.Errorf("aiclient.Stream: %w: %v", ErrProviderUnavailable, err)
		}
		return full.String(), fmt.Errorf("aiclient.Stream: %w", err)
	}
	return full.String(), nil
}

func (c *ChatClient) params(system, user string, maxTokens int) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}
	if maxTokens > 0 {
		p.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}
	return p
}
