package openai

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
)

const (
	defaultBaseURL = "https://api.openai.com/v1/chat/completions"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

var (
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY is required")
	// ErrRateLimited matches an APIError with status 429.
	ErrRateLimited = errors.New("openai rate limited")
	// ErrTruncated means the model stopped at its token limit; the JSON is incomplete.
	ErrTruncated       = errors.New("completion truncated at token limit")
	ErrEmptyCompletion = errors.New("completion has no content")

	errMalformed = errors.New("unable to parse openai response")
)

// APIError is a non-2xx answer from the completions endpoint.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("openai request failed: %s", e.Message)
	}
	return fmt.Sprintf("openai request failed with status %d", e.StatusCode)
}

func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// CompletionRequest is one JSON-mode chat turn: a system prompt and a user prompt.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Completion struct {
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
}

type HTTPClient struct {
	apiKey     string
	model      string
	endpoint   string
	http       *http.Client
	maxRetries int
	backoff    time.Duration
}

type HTTPOption func(*HTTPClient)

// WithRetries retries temporary failures up to n more times, doubling backoff each time.
func WithRetries(n int, backoff time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
		c.backoff = backoff
	}
}

func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

// NewHTTPClient builds a chat-completions client. An empty baseURL targets the public API.
func NewHTTPClient(apiKey, model, baseURL string, opts ...HTTPOption) *HTTPClient {
	if model == "" {
		model = defaultModel
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &HTTPClient{
		apiKey:     apiKey,
		model:      model,
		endpoint:   baseURL,
		http:       &http.Client{},
		maxRetries: 2,
		backoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model          string            `json:"model"`
	Messages       []wireMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends req in JSON mode. Temporary API errors and transport failures are retried;
// a truncated or empty completion is returned as ErrTruncated or ErrEmptyCompletion.
func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if c.apiKey == "" {
		return Completion{}, ErrMissingAPIKey
	}
	if req.Model == "" {
		req.Model = c.model
	}
	if req.Timeout <= 0 {
		req.Timeout = defaultTimeout
	}
	body, err := json.Marshal(wireRequest{
		Model: req.Model,
		Messages: []wireMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return Completion{}, err
	}

	wait := c.backoff
	for attempt := 0; ; attempt++ {
		out, err := c.send(ctx, body, req.Timeout)
		if err == nil || attempt >= c.maxRetries || !temporary(err) {
			return out, err
		}
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (c *HTTPClient) send(ctx context.Context, body []byte, timeout time.Duration) (Completion, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, err
	}

	var parsed wireResponse
	decodeErr := json.Unmarshal(raw, &parsed)
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr == nil && parsed.Error != nil {
			apiErr.Type = parsed.Error.Type
			apiErr.Message = parsed.Error.Message
		}
		return Completion{}, apiErr
	}
	if decodeErr != nil {
		return Completion{}, fmt.Errorf("%w: %v", errMalformed, decodeErr)
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, ErrEmptyCompletion
	}

	choice := parsed.Choices[0]
	out := Completion{
		Model:        parsed.Model,
		Content:      strings.TrimSpace(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Usage:        parsed.Usage,
	}
	switch {
	case out.FinishReason == "length":
		return out, ErrTruncated
	case out.Content == "":
		return out, ErrEmptyCompletion
	}
	return out, nil
}

func temporary(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	switch {
	case errors.Is(err, ErrTruncated), errors.Is(err, ErrEmptyCompletion), errors.Is(err, errMalformed):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}
