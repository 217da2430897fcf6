// Package openaicompat adapts any OpenAI-compatible chat completion endpoint
// into a roundtable participant invoker.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/roundtable-labs/roundtable/core/pkg/roundtable"
)

// Client speaks the /v1/chat/completions wire format. One client serves every
// participant of its provider family; the participant's model selects the
// model per call.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient targets an OpenAI-compatible base URL, e.g.
// https://api.openai.com/v1.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You are one voice at a decision roundtable. Answer the task directly. " +
	"End your reply with a line of the form `confidence: 0.NN` estimating how sure you are."

// Invoke sends the task as a single-turn chat and parses the participant's
// self-reported confidence from the reply tail. Missing or malformed
// confidence degrades to 0.5 rather than failing the vote.
func (c *Client) Invoke(ctx context.Context, task string, p roundtable.Participant) (roundtable.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: task},
		},
	})
	if err != nil {
		return roundtable.Response{}, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return roundtable.Response{}, fmt.Errorf("openaicompat: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return roundtable.Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return roundtable.Response{}, fmt.Errorf("openaicompat: %s returned %d", p.Provider, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return roundtable.Response{}, err
	}
	if len(parsed.Choices) == 0 {
		return roundtable.Response{}, fmt.Errorf("openaicompat: empty choices in response")
	}

	text, confidence := splitConfidence(parsed.Choices[0].Message.Content)
	return roundtable.Response{Text: text, Confidence: confidence}, nil
}

// splitConfidence strips a trailing `confidence: x` line and returns it as a
// number clamped to [0, 1].
func splitConfidence(content string) (string, float64) {
	const fallback = 0.5

	trimmed := strings.TrimRight(content, "\n \t")
	idx := strings.LastIndex(trimmed, "\n")
	last := trimmed
	if idx >= 0 {
		last = trimmed[idx+1:]
	}

	lower := strings.ToLower(strings.TrimSpace(last))
	lower = strings.Trim(lower, "`")
	if !strings.HasPrefix(lower, "confidence:") {
		return trimmed, fallback
	}
	raw := strings.TrimSpace(strings.TrimPrefix(lower, "confidence:"))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return trimmed, fallback
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}

	if idx >= 0 {
		return strings.TrimRight(trimmed[:idx], "\n \t"), v
	}
	return "", v
}
