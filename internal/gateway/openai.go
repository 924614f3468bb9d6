package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/promptforge/promptforge/internal/task"
)

// OpenAIGateway talks to any OpenAI-compatible chat-completions endpoint.
type OpenAIGateway struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenAIGateway(baseURL, apiKey, model string, timeout time.Duration) *OpenAIGateway {
	return &OpenAIGateway{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *OpenAIGateway) Generate(ctx context.Context, requirements string, history []task.Feedback, temperature float64) (string, error) {
	content, err := g.chatCompletion(ctx, "generate", buildGenerateMessages(requirements, history), temperature)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (g *OpenAIGateway) Score(ctx context.Context, prompt, requirements string) (float64, task.Feedback, error) {
	// Scoring runs near-deterministic regardless of the task's sampling
	// temperature so repeated evaluations of one prompt agree.
	content, err := g.chatCompletion(ctx, "score", buildScoreMessages(prompt, requirements), 0.1)
	if err != nil {
		return 0, task.Feedback{}, err
	}

	score, feedback := parseEvaluation(content)
	return score, feedback, nil
}

func (g *OpenAIGateway) chatCompletion(ctx context.Context, op string, messages []message, temperature float64) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   2048,
	})
	if err != nil {
		return "", &Error{Kind: Permanent, Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: Permanent, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		// Connection failures and client/context timeouts are retryable.
		return "", &Error{Kind: Transient, Op: op, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			// Nothing actionable; the response is already consumed.
			_ = err
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: Transient, Op: op, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: classifyStatus(resp.StatusCode), Op: op, Err: fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(respBody, 200))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &Error{Kind: Transient, Op: op, Err: fmt.Errorf("failed to decode provider response: %w", err)}
	}
	if parsed.Error != nil {
		return "", &Error{Kind: Permanent, Op: op, Err: errors.New(parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Kind: Transient, Op: op, Err: errors.New("provider returned no choices")}
	}

	return parsed.Choices[0].Message.Content, nil
}

func classifyStatus(code int) ErrorKind {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return Transient
	}
	return Permanent
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
