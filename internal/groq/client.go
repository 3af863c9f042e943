// Package groq streams chat completions from Groq's OpenAI-compatible API.
package groq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

const DefaultBaseURL = "https://api.groq.com/openai/v1"

type Client struct {
	client *openai.Client
	model  string
}

func NewClient(apiKey, model, baseURL string, timeout time.Duration) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (c *Client) Stream(ctx context.Context, transcript []conversation.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		messages := make([]openai.ChatCompletionMessage, len(transcript))
		for i, m := range transcript {
			messages[i] = openai.ChatCompletionMessage{Role: roleFor(m.Role), Content: m.Content}
		}

		stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    c.model,
			Messages: messages,
			Stream:   true,
		})
		if err != nil {
			yield("", fmt.Errorf("create chat completion stream: %w", err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("receive chunk: %w", err))
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(resp.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func roleFor(r conversation.Role) string {
	if r == conversation.RoleAssistant {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}
