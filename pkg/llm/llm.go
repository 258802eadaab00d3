// Package llm talks to a local Ollama instance to back AI rooms.
package llm

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

const (
	// DefaultBaseURL is the local Ollama endpoint.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel is used when the config names none.
	DefaultModel = "llama3"

	// maxHistoryChars bounds the trailing conversation window included in a
	// prompt, so long rooms cannot blow up the request size.
	maxHistoryChars = 4000

	// requestTimeout bounds the whole completion call. Generation on local
	// hardware can be slow, so this is deliberately generous.
	requestTimeout = 2 * time.Minute

	// defaultSystemPrompt is used for AI rooms created without one.
	defaultSystemPrompt = "You are a helpful chat assistant. Respond naturally and conversationally."
)

// Client calls the Ollama generate API.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient creates a completion client. Empty arguments fall back to the
// local defaults.
func NewClient(baseURL, model string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete sends the user's message plus a bounded trailing window of the
// room conversation and returns the model's reply. The call is synchronous;
// callers are expected to run it off the session's read loop.
func (c *Client) Complete(ctx context.Context, prompt string, history []string, systemPrompt string) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: buildPrompt(prompt, history, systemPrompt),
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("completion failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}

	return gen.Response, nil
}

// buildPrompt assembles the system prompt, a size-capped trailing slice of
// the conversation and the user's message.
func buildPrompt(prompt string, history []string, systemPrompt string) string {
	var sb strings.Builder

	if strings.TrimSpace(systemPrompt) != "" {
		sb.WriteString(systemPrompt)
	} else {
		sb.WriteString(defaultSystemPrompt)
	}
	sb.WriteString("\n\n")

	window := limitHistory(history, maxHistoryChars)
	if len(window) > 0 {
		sb.WriteString("Context:\n")
		for _, line := range window {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nUser: ")
	sb.WriteString(prompt)
	sb.WriteString("\nAssistant:")

	return sb.String()
}

// limitHistory keeps the most recent lines whose total length fits the cap.
func limitHistory(history []string, maxChars int) []string {
	if len(history) == 0 {
		return nil
	}

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if total+len(history[i]) > maxChars {
			break
		}
		total += len(history[i])
		start = i
	}
	return history[start:]
}
