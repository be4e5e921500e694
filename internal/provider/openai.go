package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"capsmith/internal/faults"
	"capsmith/internal/logging"
	"capsmith/internal/metrics"
)

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// OpenAIClient implements Provider against the chat completions API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a client from config.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate sends one prompt at the given tier.
func (c *OpenAIClient) Generate(ctx context.Context, tier Tier, system, prompt string, budget Budget) (*Result, error) {
	if c.apiKey == "" {
		return nil, faults.Newf(faults.Permanent, "provider.openai", "API key not configured")
	}
	entry := openaiModels[tier]

	messages := make([]openaiMessage, 0, 2)
	if system != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: system})
	}
	messages = append(messages, openaiMessage{Role: "user", Content: prompt})

	reqBody := openaiRequest{
		Model:               entry.model,
		Messages:            messages,
		MaxCompletionTokens: budget.MaxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, faults.New(faults.Permanent, "provider.openai", err)
	}

	if budget.MaxWall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.MaxWall)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, faults.New(faults.Permanent, "provider.openai", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.New(faults.KindOf(err), "provider.openai", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.New(faults.Transient, "provider.openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			metrics.ProviderThrottles.WithLabelValues("openai").Inc()
		}
		return nil, faults.FromStatus("provider.openai", resp.StatusCode, string(body))
	}

	var parsed openaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, faults.Newf(faults.Permanent, "provider.openai", "malformed response: %v", err)
	}
	if parsed.Error != nil {
		return nil, faults.Newf(faults.Permanent, "provider.openai", "%s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, faults.Newf(faults.Permanent, "provider.openai", "empty completion")
	}

	latency := time.Since(start)
	metrics.ProviderTokens.WithLabelValues("openai", "in").Add(float64(parsed.Usage.PromptTokens))
	metrics.ProviderTokens.WithLabelValues("openai", "out").Add(float64(parsed.Usage.CompletionTokens))
	logging.ProviderDebug("openai %s tier=%s in=%d out=%d latency=%v",
		entry.model, tier, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, latency)

	return &Result{
		Text:         parsed.Choices[0].Message.Content,
		TokensIn:     parsed.Usage.PromptTokens,
		TokensOut:    parsed.Usage.CompletionTokens,
		FinishReason: parsed.Choices[0].FinishReason,
		CostUSD:      cost(entry, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
		Latency:      latency,
	}, nil
}

var _ Provider = (*OpenAIClient)(nil)
