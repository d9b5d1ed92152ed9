// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quillforge/quill/pkg/config"
	"github.com/quillforge/quill/pkg/logger"
)

const maxRetries = 3

// HTTPProvider talks to any OpenAI-compatible /chat/completions endpoint.
type HTTPProvider struct {
	apiKey      string
	apiBase     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func NewHTTPProvider(cfg config.ProviderConfig) (*HTTPProvider, error) {
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("provider API base not configured")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider model not configured")
	}
	return &HTTPProvider{
		apiKey:      cfg.APIKey,
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			// Completion latency is governed by ctx, not a fixed client timeout.
			Timeout: 0,
		},
	}, nil
}

// Model returns the configured model name.
func (p *HTTPProvider) Model() string { return p.model }

func (p *HTTPProvider) Chat(ctx context.Context, messages []Message, tools []map[string]interface{}) (*Reply, error) {
	requestBody := map[string]interface{}{
		"model":    p.model,
		"messages": messages,
	}
	if len(tools) > 0 {
		requestBody["tools"] = tools
		requestBody["tool_choice"] = "auto"
	}
	if p.maxTokens > 0 {
		requestBody["max_tokens"] = p.maxTokens
	}
	if p.temperature > 0 {
		requestBody["temperature"] = p.temperature
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var body []byte
	var statusCode int
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}

		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		statusCode = resp.StatusCode

		if resp.StatusCode == http.StatusOK {
			return p.parseResponse(body)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetries {
			delay := parseRetryDelay(resp.Header.Get("Retry-After"), body)
			logger.WarnCF("provider", "Rate limited, retrying",
				map[string]interface{}{"delay": delay.String(), "attempt": attempt + 1})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return nil, &ProviderError{StatusCode: statusCode, Body: string(body)}
}

func (p *HTTPProvider) parseResponse(body []byte) (*Reply, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Type     string `json:"type"`
					Function *struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *UsageInfo `json:"usage"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(apiResponse.Choices) == 0 {
		return &Reply{FinishReason: "stop"}, nil
	}

	choice := apiResponse.Choices[0]
	toolCalls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function == nil {
			continue
		}
		arguments := make(map[string]interface{})
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &arguments); err != nil {
				// Malformed argument JSON is preserved for the invalid_args path.
				arguments["raw"] = tc.Function.Arguments
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: arguments,
		})
	}

	return &Reply{
		Content:      strings.TrimSpace(choice.Message.Content),
		ToolCalls:    toolCalls,
		FinishReason: choice.FinishReason,
		Usage:        apiResponse.Usage,
	}, nil
}

// parseRetryDelay extracts retry delay from the Retry-After header or the
// structured error body some APIs return.
func parseRetryDelay(retryAfter string, body []byte) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(secs) * time.Second
		}
	}

	var errResp struct {
		Error struct {
			Details []struct {
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		for _, d := range errResp.Error.Details {
			if d.RetryDelay != "" {
				if dur, err := time.ParseDuration(d.RetryDelay); err == nil {
					return dur
				}
			}
		}
	}

	return 30 * time.Second
}
