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
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "gpt-4o"
)

// OpenAI calls the chat completions endpoint.
type OpenAI struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewOpenAI creates an OpenAI provider. Empty baseURL or model and a
// non-positive timeout select the defaults.
func NewOpenAI(apiKey, baseURL, model string, timeout time.Duration) *OpenAI {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAI{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

func (p *OpenAI) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *OpenAI) Complete(ctx context.Context, req Request) (Completion, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(chatRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: req.temperature(),
		MaxTokens:   req.maxTokens(),
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshaling request: %w", err)
	}

	var out chatResponse
	if err := p.post(ctx, "/chat/completions", body, &out); err != nil {
		return Completion{}, classify(p.Name(), statusOf(err), err, openAIRateHint)
	}
	if len(out.Choices) == 0 {
		return Completion{}, classify(p.Name(), 0, fmt.Errorf("response has no choices"), openAIRateHint)
	}

	model := out.Model
	if model == "" {
		model = p.model
	}
	return Completion{
		Content:    out.Choices[0].Message.Content,
		TokensUsed: out.Usage.TotalTokens,
		Model:      model,
		Provider:   p.Name(),
	}, nil
}

// HealthCheck sends a one-token completion.
func (p *OpenAI) HealthCheck(ctx context.Context) bool {
	_, err := p.Complete(ctx, Request{User: "Hello", MaxTokens: 5})
	return err == nil
}

func (p *OpenAI) post(ctx context.Context, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{status: resp.StatusCode, body: string(respBody)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func openAIRateHint(msg string) bool {
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit")
}
