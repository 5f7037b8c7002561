package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIClient talks to the OpenAI chat completions API
type OpenAIClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient creates an OpenAI provider
func NewOpenAIClient(cfg Config) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	c := &OpenAIClient{baseURL: cfg.BaseURL, model: cfg.Model, httpClient: &http.Client{}}
	if cfg.Timeout > 0 {
		c.httpClient.Timeout = cfg.Timeout
	}
	return c
}

// Name implements Provider
func (c *OpenAIClient) Name() string { return "openai" }

// client builds a go-openai client bound to one key
func (c *OpenAIClient) client(key string) *openai.Client {
	conf := openai.DefaultConfig(key)
	if c.baseURL != "" {
		conf.BaseURL = c.baseURL
	}
	conf.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(conf)
}

// Chat implements Provider
func (c *OpenAIClient) Chat(ctx context.Context, key, system, userMessage string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userMessage})

	resp, err := c.client(key).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: 1024,
	})
	if err != nil {
		if isTooManyRequests(err) {
			// go-openai drops response headers, so the server's Retry-After is not available
			return "", &RateLimitError{Provider: c.Name(), RetryAfter: DefaultRetryAfter}
		}
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func isTooManyRequests(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
