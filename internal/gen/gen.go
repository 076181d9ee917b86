// Package gen is the text generation collaborator used for autopilot replies,
// panic censorship, and optimizer rewrites. Callers always carry a fallback
// literal; a generation failure is never fatal to the relay.
package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Turn is one entry of conversation context, oldest first.
type Turn struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// Config selects model and framing for a single call site.
type Config struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

type Generator interface {
	Generate(ctx context.Context, cfg Config, turns []Turn) (string, error)
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string  `json:"model"`
	Messages    []Turn  `json:"messages"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) Generate(ctx context.Context, cfg Config, turns []Turn) (string, error) {
	msgs := make([]Turn, 0, len(turns)+1)
	if cfg.SystemPrompt != "" {
		msgs = append(msgs, Turn{Role: "system", Content: cfg.SystemPrompt})
	}
	msgs = append(msgs, turns...)

	body, err := json.Marshal(chatRequest{
		Model:       cfg.Model,
		Messages:    msgs,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("generation backend: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("generation backend: empty choices")
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("generation backend: empty content")
	}
	return text, nil
}

// Scripted returns canned replies in order and then repeats the last one.
// Test double; also serves as the offline backend when no endpoint is set.
type Scripted struct {
	Replies []string
	Err     error
	i       int
	Calls   [][]Turn
}

func (s *Scripted) Generate(_ context.Context, _ Config, turns []Turn) (string, error) {
	s.Calls = append(s.Calls, turns)
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.Replies) == 0 {
		return "...", nil
	}
	r := s.Replies[s.i]
	if s.i < len(s.Replies)-1 {
		s.i++
	}
	return r, nil
}
