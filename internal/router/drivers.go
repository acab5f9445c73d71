// Provider drivers. Each speaks one provider's HTTP API directly; all
// failures surface as *models.ProviderError so the router can distinguish
// transient (retryable, one tier demotion) from permanent failures.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mailsense/mailsense/triage-core/pkg/models"
)

const defaultHTTPTimeout = 120 * time.Second

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func providerErr(provider string, status int, msg string) *models.ProviderError {
	return &models.ProviderError{
		Provider:  provider,
		Status:    status,
		Message:   msg,
		Transient: status == 0 || transientStatus(status),
	}
}

// ── OpenAI (and OpenAI-compatible) ──────────────────────────

type openAIDriver struct {
	client *http.Client
}

func newOpenAIDriver() *openAIDriver {
	return &openAIDriver{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

func (d *openAIDriver) Kind() string { return "openai" }

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (d *openAIDriver) Generate(ctx context.Context, binding *models.ProviderBinding, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	endpoint := binding.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if binding.APIKey == "" {
		return nil, providerErr("openai", http.StatusUnauthorized, "api key not configured")
	}

	body, _ := json.Marshal(openAIRequest{
		Model:     req.Model,
		Messages:  []openAIMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: req.MaxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+binding.APIKey)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, providerErr("openai", 0, err.Error())
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, providerErr("openai", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &models.GenerateResponse{
		Text:       content,
		TokensUsed: oaiResp.Usage.TotalTokens,
		Model:      req.Model,
		Provider:   "openai",
	}, nil
}

// ── Anthropic ───────────────────────────────────────────────

type anthropicDriver struct {
	client *http.Client
}

func newAnthropicDriver() *anthropicDriver {
	return &anthropicDriver{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

func (d *anthropicDriver) Kind() string { return "anthropic" }

type anthropicRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (d *anthropicDriver) Generate(ctx context.Context, binding *models.ProviderBinding, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	endpoint := binding.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if binding.APIKey == "" {
		return nil, providerErr("anthropic", http.StatusUnauthorized, "api key not configured")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	body, _ := json.Marshal(anthropicRequest{
		Model:     req.Model,
		Messages:  []openAIMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", binding.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, providerErr("anthropic", 0, err.Error())
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, providerErr("anthropic", httpResp.StatusCode, string(respBody))
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	content := ""
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	return &models.GenerateResponse{
		Text:       content,
		TokensUsed: anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		Model:      req.Model,
		Provider:   "anthropic",
	}, nil
}

// ── Ollama (local, OpenAI-compatible endpoint) ──────────────

type ollamaDriver struct {
	client *http.Client
}

func newOllamaDriver() *ollamaDriver {
	return &ollamaDriver{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

func (d *ollamaDriver) Kind() string { return "ollama" }

func (d *ollamaDriver) Generate(ctx context.Context, binding *models.ProviderBinding, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	endpoint := binding.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	body, _ := json.Marshal(openAIRequest{
		Model:    req.Model,
		Messages: []openAIMessage{{Role: "user", Content: req.Prompt}},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, providerErr("ollama", 0, err.Error())
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, providerErr("ollama", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &models.GenerateResponse{
		Text:       content,
		TokensUsed: oaiResp.Usage.TotalTokens,
		Model:      req.Model,
		Provider:   "ollama",
	}, nil
}
