package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

const (
	apiURL       = "https://api.anthropic.com/v1/messages"
	maxEventSize = 1 << 20
)

var errTruncated = errors.New("stream ended before message_stop")

type Client struct {
	apiKey    string
	model     string
	maxTokens int
	url       string
	client    *http.Client
}

func NewClient(apiKey, model string, maxTokens int, timeout time.Duration) *Client {
	return &Client{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		url:       apiURL,
		client:    &http.Client{Timeout: timeout},
	}
}

// SetTestTransport points the client at a test server.
func (c *Client) SetTestTransport(url string) {
	c.url = url
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream sends the transcript to the Messages API with streaming enabled and
// yields text deltas as they arrive.
func (c *Client) Stream(ctx context.Context, transcript []conversation.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.open(ctx, transcript)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data:")
			if !ok {
				continue
			}
			var evt streamEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &evt); err != nil {
				yield("", fmt.Errorf("decode event: %w", err))
				return
			}
			switch evt.Type {
			case "content_block_delta":
				if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
					if !yield(evt.Delta.Text, nil) {
						return
					}
				}
			case "error":
				yield("", fmt.Errorf("api error: %s: %s", evt.Error.Type, evt.Error.Message))
				return
			case "message_stop":
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("read stream: %w", err))
			return
		}
		yield("", errTruncated)
	}
}

// messagesFor drops turns with blank content, which the API rejects. An empty
// successful reply is stored as a blank assistant turn.
func messagesFor(transcript []conversation.Message) []message {
	messages := make([]message, 0, len(transcript))
	for _, m := range transcript {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, message{Role: string(m.Role), Content: m.Content})
	}
	return messages
}

func (c *Client) open(ctx context.Context, transcript []conversation.Message) (*http.Response, error) {
	messages := messagesFor(transcript)

	body, err := json.Marshal(request{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  messages,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("api error %d: %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}
