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
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultAnthropicModel   = "claude-3-5-sonnet-20241022"

	anthropicVersion = "2023-06-01"
)

// Anthropic calls the Messages API.
type Anthropic struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewAnthropic creates an Anthropic provider. Empty baseURL or model and a
// non-positive timeout select the defaults.
func NewAnthropic(apiKey, baseURL, model string, timeout time.Duration) *Anthropic {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Anthropic{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

type messagesRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Temperature float64       `json:"temperature"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Anthropic) Complete(ctx context.Context, req Request) (Completion, error) {
	body, err := json.Marshal(messagesRequest{
		Model:       p.model,
		Messages:    []chatMessage{{Role: "user", Content: req.User}},
		MaxTokens:   req.maxTokens(),
		System:      req.System,
		Temperature: req.temperature(),
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	out, err := p.send(ctx, body)
	if err != nil {
		return Completion{}, classify(p.Name(), statusOf(err), err, anthropicRateHint)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	model := out.Model
	if model == "" {
		model = p.model
	}
	return Completion{
		Content:    text.String(),
		TokensUsed: out.Usage.InputTokens + out.Usage.OutputTokens,
		Model:      model,
		Provider:   p.Name(),
	}, nil
}

// HealthCheck sends a short message capped at a few tokens.
func (p *Anthropic) HealthCheck(ctx context.Context) bool {
	_, err := p.Complete(ctx, Request{User: "Hello", MaxTokens: 5})
	return err == nil
}

func (p *Anthropic) send(ctx context.Context, body []byte) (messagesResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return messagesResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return messagesResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return messagesResponse{}, &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return messagesResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func anthropicRateHint(msg string) bool {
	return strings.Contains(msg, "rate") && strings.Contains(msg, "limit")
}
