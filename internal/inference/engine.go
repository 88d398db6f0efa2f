// Package inference calls an OpenAI-compatible chat completion API to turn
// a queued message into a reply.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"courier/internal/domain"
)

const (
	defaultHTTPTimeout = 120 * time.Second
	maxHTTPRetries     = 3
)

// Engine implements domain.Inference against an OpenAI-compatible API.
type Engine struct {
	apiKey       string
	apiBase      string
	model        string
	agentID      string
	systemPrompt string
	client       *http.Client
	logger       *slog.Logger
}

type EngineConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	AgentID      string
	SystemPrompt string
	Logger       *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "main"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		apiKey:       cfg.APIKey,
		apiBase:      cfg.APIBase,
		model:        cfg.Model,
		agentID:      cfg.AgentID,
		systemPrompt: cfg.SystemPrompt,
		client:       &http.Client{Timeout: defaultHTTPTimeout},
		logger:       cfg.Logger,
	}
}

func (e *Engine) Name() string { return "openai" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Run sends the message to the chat completion endpoint. Transient
// failures (network, 5xx, 429) are retried with backoff here; anything
// that survives the local retries surfaces to the queue's retry policy.
// Client errors other than 429 are wrapped as permanent.
func (e *Engine) Run(ctx context.Context, msg domain.IncomingMessage) (*domain.InferenceResult, error) {
	msgs := make([]chatMessage, 0, 2)
	if e.systemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: e.systemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: msg.Message})

	jsonBody, err := json.Marshal(chatRequest{Model: e.model, Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := e.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", e.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("chat completion %d: %s: %w", resp.StatusCode, string(respBody), domain.ErrPermanent)
		}
		return nil, fmt.Errorf("chat completion %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices: %w", domain.ErrPermanent)
	}

	result := &domain.InferenceResult{
		Text:  parsed.Choices[0].Message.Content,
		Model: e.model,
		Usage: &domain.UsageRecord{
			AgentID:          e.agentID,
			Model:            e.model,
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
			Timestamp:        time.Now(),
		},
	}
	if rl := e.rateLimitFromHeaders(resp.Header); rl != nil {
		result.RateLimit = rl
	}
	return result, nil
}

// doWithRetry executes an HTTP request with exponential backoff retry
// for transient errors (network failures, 5xx, 429).
func (e *Engine) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxHTTPRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter to prevent thundering herd.
			base := time.Duration(attempt*attempt) * time.Second
			jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
			backoff := base + jitter
			e.logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxHTTPRetries {
				e.logger.Warn("request failed, will retry", "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", maxHTTPRetries, err)
		}

		// Retry on 5xx server errors and 429 rate-limit.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
			if attempt < maxHTTPRetries {
				e.logger.Warn("server error, will retry",
					"status", resp.StatusCode, "body", string(body))
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", maxHTTPRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}

// rateLimitFromHeaders builds a snapshot from the provider's x-ratelimit
// headers, or nil when none are present.
func (e *Engine) rateLimitFromHeaders(h http.Header) *domain.RateLimitSnapshot {
	if h.Get("x-ratelimit-limit-requests") == "" && h.Get("x-ratelimit-limit-tokens") == "" {
		return nil
	}
	return &domain.RateLimitSnapshot{
		AgentID:           e.agentID,
		Model:             e.model,
		RequestsLimit:     headerInt(h, "x-ratelimit-limit-requests"),
		RequestsRemaining: headerInt(h, "x-ratelimit-remaining-requests"),
		TokensLimit:       headerInt(h, "x-ratelimit-limit-tokens"),
		TokensRemaining:   headerInt(h, "x-ratelimit-remaining-tokens"),
		ResetAt:           h.Get("x-ratelimit-reset-requests"),
		Timestamp:         time.Now(),
	}
}

func headerInt(h http.Header, key string) int {
	n, err := strconv.Atoi(h.Get(key))
	if err != nil {
		return 0
	}
	return n
}
