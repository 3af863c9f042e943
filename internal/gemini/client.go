// Package gemini streams replies from the Gemini API.
package gemini

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

type Client struct {
	client *genai.Client
	model  string
}

// NewClient builds a Gemini API client. baseURL is empty outside tests.
func NewClient(ctx context.Context, apiKey, model, baseURL string, timeout time.Duration) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

func (c *Client) Stream(ctx context.Context, transcript []conversation.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contentsFor(transcript), nil) {
			if err != nil {
				yield("", fmt.Errorf("generate content: %w", err))
				return
			}
			if text := resp.Text(); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

// contentsFor maps a transcript onto Gemini's user/model turns. Blank turns
// are dropped since the API rejects empty parts.
func contentsFor(transcript []conversation.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(transcript))
	for _, m := range transcript {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		var role genai.Role = genai.RoleUser
		if m.Role == conversation.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}
