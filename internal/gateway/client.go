package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/logging"
)

const DefaultModel = "gpt-4o-mini"

// Config configures a chat Client.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       *float64 // nil = 0.2
	MaxTokens         int      // 0 = 2048
	MaxRetries        int      // attempts per request, 0 = 3
	RetryDelay        time.Duration
	RequestsPerSecond float64 // 0 = unlimited
	HTTPClient        *http.Client
	Logger            *zap.SugaredLogger
}

// Client sends chat completions to an OpenAI-compatible endpoint.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature == nil {
		t := 0.2
		config.Temperature = &t
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 2048
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	return &Client{
		config:  config,
		http:    httpClient,
		limiter: limiter,
		logger:  logging.OrNop(config.Logger),
	}
}

// Model returns the default model of this client.
func (c *Client) Model() string { return c.config.Model }

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatRequest is a single-turn request; zero fields use client defaults.
type ChatRequest struct {
	System      string
	User        string
	Model       string
	Temperature *float64
	MaxTokens   int
}

type ChatResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// statusError is a non-200 answer from the gateway.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.code, e.body)
}

// Chat sends one completion with bounded retries on transient failures.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := c.config.Model
	if req.Model != "" {
		model = req.Model
	}
	temperature := *c.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := c.config.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	messages := []Message{{Role: "user", Content: req.User}}
	if req.System != "" {
		messages = append([]Message{{Role: "system", Content: req.System}}, messages...)
	}
	body, err := json.Marshal(chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal chat request")
	}

	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.config.RetryDelay
			c.logger.Debugw("Retrying gateway request", "attempt", attempt+1, "delay", delay, "model", model)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, body)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, errors.New("no choices in response")
			}
			return &ChatResponse{
				Content: strings.TrimSpace(resp.Choices[0].Message.Content),
				Model:   model,
				Usage:   resp.Usage,
			}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warnw("Gateway error", "attempt", attempt+1, "max_retries", c.config.MaxRetries, "model", model, "error", err)
		if !isRetryable(err) {
			return nil, errors.Wrap(err, "gateway request")
		}
	}
	return nil, errors.Wrapf(lastErr, "gateway request failed after %d attempts", c.config.MaxRetries)
}

func (c *Client) send(ctx context.Context, body []byte) (*chatCompletionResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.config.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: truncate(string(data), 512)}
	}
	var out chatCompletionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "decode chat response")
	}
	return &out, nil
}

// isRetryable reports network failures, rate limiting and server errors.
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ExtractJSON pulls the first JSON object out of an LLM reply, tolerating
// markdown fences and chatter before or after it.
func ExtractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "```"); i >= 0 {
		rest := content[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			content = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return "", errors.Newf("no JSON object in response: %q", truncate(content, 120))
	}
	return content[start : end+1], nil
}

// DecodeJSON extracts and unmarshals the JSON object in an LLM reply.
func DecodeJSON(content string, v any) error {
	raw, err := ExtractJSON(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errors.Wrap(err, "parsing model response")
	}
	return nil
}
