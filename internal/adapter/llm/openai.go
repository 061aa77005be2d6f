// Package llm provides provider-neutral LLM clients used for HSDS schema
// alignment. Failures are mapped onto the domain error taxonomy so the
// worker can distinguish quota exhaustion, auth failures, transient faults
// and schema violations.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pantrypirate/pipeline/internal/adapter/observability"
	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

// OpenAIClient speaks the OpenAI-compatible chat completions API with JSON
// response format enforcement.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	hc          *http.Client
}

// NewOpenAI constructs a client from config.
func NewOpenAI(cfg config.Config) *OpenAIClient {
	return &OpenAIClient{
		baseURL:     cfg.LLMBaseURL,
		apiKey:      cfg.LLMAPIKey,
		model:       cfg.LLMModel,
		temperature: cfg.LLMTemperature,
		hc: &http.Client{
			Timeout:   cfg.LLMTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Provider implements domain.LLMClient.
func (c *OpenAIClient) Provider() string { return "openai" }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Align performs one structured-output completion.
func (c *OpenAIClient) Align(ctx context.Context, req domain.AlignRequest) (domain.AlignResponse, error) {
	if c.apiKey == "" {
		return domain.AlignResponse{}, fmt.Errorf("op=llm.align: %w: LLM_API_KEY missing", domain.ErrAuthFailed)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return domain.AlignResponse{}, fmt.Errorf("op=llm.align: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.AlignResponse{}, fmt.Errorf("op=llm.align: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	observability.LLMRequestDuration.WithLabelValues(c.Provider()).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.LLMRequestsTotal.WithLabelValues(c.Provider(), "transport_error").Inc()
		return domain.AlignResponse{}, fmt.Errorf("op=llm.align: %w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := classifyStatus(resp.StatusCode)
		observability.LLMRequestsTotal.WithLabelValues(c.Provider(), fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		return domain.AlignResponse{}, fmt.Errorf("op=llm.align: %w: status %d: %s", kind, resp.StatusCode, snippet)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		observability.LLMRequestsTotal.WithLabelValues(c.Provider(), "decode_error").Inc()
		return domain.AlignResponse{}, fmt.Errorf("op=llm.align: %w: %w", domain.ErrSchemaInvalid, err)
	}
	if len(out.Choices) == 0 {
		observability.LLMRequestsTotal.WithLabelValues(c.Provider(), "empty").Inc()
		return domain.AlignResponse{}, fmt.Errorf("op=llm.align: %w: no choices", domain.ErrSchemaInvalid)
	}
	content := out.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		observability.LLMRequestsTotal.WithLabelValues(c.Provider(), "invalid_json").Inc()
		return domain.AlignResponse{}, fmt.Errorf("op=llm.align: %w: response not valid JSON", domain.ErrSchemaInvalid)
	}

	observability.LLMRequestsTotal.WithLabelValues(c.Provider(), "success").Inc()
	return domain.AlignResponse{
		Content:          content,
		Model:            out.Model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.ErrQuotaExceeded
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.ErrAuthFailed
	case code >= 500:
		return domain.ErrTransient
	default:
		return domain.ErrUnavailable
	}
}
