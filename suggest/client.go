// Package suggest asks an OpenAI compatible chat completion endpoint for task
// metadata: labels, priority, due date, estimate and sub-task titles.
package suggest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/Chounic/next-tasks-manager/domain"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"

	initialDelay = 500 * time.Millisecond

	// maxEstimateDays bounds estimates so the int conversion cannot overflow.
	maxEstimateDays = math.MaxInt32
)

var ErrNotConfigured = errors.New("suggestion API key not set")

// Config holds the connection settings of the remote model.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Client implements session.Suggester over HTTP.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxRetries int
	http       *http.Client
	now        func() time.Time
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		http:       &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
	Temperature    float64        `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// rawSuggestion is the JSON document the model is asked to produce.
type rawSuggestion struct {
	Tags          []string `json:"tags"`
	Priority      *string  `json:"priority"`
	DueDate       *string  `json:"dueDate"`
	EstimatedTime *float64 `json:"estimatedTime"`
	Subtasks      []string `json:"subtasks"`
}

const systemPrompt = `You help users plan software tasks. Reply with one JSON object with the keys:
"tags" (array, only from: %s),
"priority" (one of low, medium, high, urgent, or null),
"dueDate" (YYYY-MM-DD on or after %s, or null),
"estimatedTime" (whole days as a number, or null),
"subtasks" (array of short sub-task titles, at most 5).`

func (c *Client) prompt(name, description string) []chatMessage {
	today := c.now().UTC().Format(time.DateOnly)
	return []chatMessage{
		{Role: "system", Content: fmt.Sprintf(systemPrompt, strings.Join(domain.AvailableLabels, ", "), today)},
		{Role: "user", Content: fmt.Sprintf("Task name: %s\nDescription: %s", name, description)},
	}
}

// Suggest returns the metadata the model proposes for the task. Values the
// model gets wrong are dropped rather than reported.
func (c *Client) Suggest(ctx context.Context, name, description string) (domain.Suggestion, error) {
	if c.apiKey == "" {
		return domain.Suggestion{}, ErrNotConfigured
	}
	body, err := sonic.Marshal(chatRequest{
		Model:          c.model,
		Messages:       c.prompt(name, description),
		ResponseFormat: responseFormat{Type: "json_object"},
		Temperature:    0.2,
	})
	if err != nil {
		return domain.Suggestion{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * initialDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.Suggestion{}, ctx.Err()
			}
		}
		content, retry, err := c.complete(ctx, body)
		if err == nil {
			return parse(content)
		}
		lastErr = err
		if !retry {
			return domain.Suggestion{}, err
		}
	}
	return domain.Suggestion{}, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

// complete performs one request and returns the message content. The bool
// reports whether the failure is worth retrying.
func (c *Client) complete(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if sonic.Unmarshal(respBody, &ae) == nil && ae.Error.Message != "" {
			err = fmt.Errorf("suggestion API error (%d): %s", resp.StatusCode, ae.Error.Message)
		} else {
			err = fmt.Errorf("suggestion API error (%d)", resp.StatusCode)
		}
		return "", resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, err
	}

	var cr chatResponse
	if err := sonic.Unmarshal(respBody, &cr); err != nil {
		return "", false, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", false, errors.New("response has no choices")
	}
	return cr.Choices[0].Message.Content, false, nil
}

func parse(content string) (domain.Suggestion, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw rawSuggestion
	if err := sonic.UnmarshalString(strings.TrimSpace(content), &raw); err != nil {
		return domain.Suggestion{}, fmt.Errorf("model returned invalid JSON: %w", err)
	}
	return raw.normalize(), nil
}

func (r rawSuggestion) normalize() domain.Suggestion {
	var out domain.Suggestion
	for _, tag := range r.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if isCatalogLabel(tag) && !contains(out.Tags, tag) {
			out.Tags = append(out.Tags, tag)
		}
	}
	if r.Priority != nil {
		if p, ok := domain.ParsePriority(*r.Priority); ok {
			out.Priority = &p
		}
	}
	if r.DueDate != nil {
		if d, err := domain.ParseDate(*r.DueDate); err == nil {
			out.DueDate = &d
		}
	}
	if e := r.EstimatedTime; e != nil && *e >= 0 && math.Round(*e) <= maxEstimateDays {
		v := int(math.Round(*e))
		out.EstimatedTime = &v
	}
	for _, s := range r.Subtasks {
		if s = strings.TrimSpace(s); s != "" {
			out.Subtasks = append(out.Subtasks, s)
		}
	}
	return out
}

func isCatalogLabel(label string) bool {
	return contains(domain.AvailableLabels, label)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
