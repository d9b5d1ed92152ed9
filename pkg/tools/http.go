package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPFetchTool retrieves a URL and returns the body up to a byte cap.
type HTTPFetchTool struct {
	maxBytes int
	client   *http.Client
}

func NewHTTPFetchTool(maxBytes int) *HTTPFetchTool {
	if maxBytes <= 0 {
		maxBytes = 50000
	}
	return &HTTPFetchTool{
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPFetchTool) Name() string    { return "http_fetch" }
func (t *HTTPFetchTool) Dangerous() bool { return false }

func (t *HTTPFetchTool) Description() string {
	return "Fetch the contents of an HTTP or HTTPS URL"
}

func (t *HTTPFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "The URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *HTTPFetchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	url, ok := args["url"].(string)
	if !ok || url == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("only http and https URLs are supported")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "quill/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBytes)+1))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	result := string(body)
	if len(body) > t.maxBytes {
		result = result[:t.maxBytes] + "\n... (truncated)"
	}

	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return result, nil
}
