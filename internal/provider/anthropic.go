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

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.anthropic.com/v1",
		Timeout: 120 * time.Second,
	}
}

// AnthropicClient implements Provider against the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicClient creates a client from config.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends one prompt at the given tier.
func (c *AnthropicClient) Generate(ctx context.Context, tier Tier, system, prompt string, budget Budget) (*Result, error) {
	if c.apiKey == "" {
		return nil, faults.Newf(faults.Permanent, "provider.anthropic", "API key not configured")
	}
	entry := anthropicModels[tier]

	maxTokens := budget.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	reqBody := anthropicRequest{
		Model:     entry.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, faults.New(faults.Permanent, "provider.anthropic", err)
	}

	if budget.MaxWall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.MaxWall)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, faults.New(faults.Permanent, "provider.anthropic", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.New(faults.KindOf(err), "provider.anthropic", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.New(faults.Transient, "provider.anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			metrics.ProviderThrottles.WithLabelValues("anthropic").Inc()
		}
		return nil, faults.FromStatus("provider.anthropic", resp.StatusCode, string(body))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, faults.Newf(faults.Permanent, "provider.anthropic", "malformed response: %v", err)
	}
	if parsed.Error != nil {
		return nil, faults.Newf(faults.Permanent, "provider.anthropic", "%s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, faults.Newf(faults.Permanent, "provider.anthropic", "empty completion (stop_reason=%s)", parsed.StopReason)
	}

	latency := time.Since(start)
	metrics.ProviderTokens.WithLabelValues("anthropic", "in").Add(float64(parsed.Usage.InputTokens))
	metrics.ProviderTokens.WithLabelValues("anthropic", "out").Add(float64(parsed.Usage.OutputTokens))
	logging.ProviderDebug("anthropic %s tier=%s in=%d out=%d latency=%v",
		entry.model, tier, parsed.Usage.InputTokens, parsed.Usage.OutputTokens, latency)

	return &Result{
		Text:         text,
		TokensIn:     parsed.Usage.InputTokens,
		TokensOut:    parsed.Usage.OutputTokens,
		FinishReason: parsed.StopReason,
		CostUSD:      cost(entry, parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
		Latency:      latency,
	}, nil
}

var _ Provider = (*AnthropicClient)(nil)
