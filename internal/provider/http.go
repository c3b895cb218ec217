package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loomstudio/canvas-engine/pkg/types"
)

// HTTPInvoker calls an OpenAI-compatible chat completions endpoint.
// Provider-specific request shaping beyond this wire format is out of scope;
// gateways that translate to native provider APIs sit behind the same URL.
type HTTPInvoker struct {
	// BaseURL is the endpoint root, e.g. "https://api.openai.com/v1".
	BaseURL string

	// Provider names the upstream for error reporting.
	Provider string

	// Client defaults to a 120s-timeout client.
	Client *http.Client
}

// NewHTTPInvoker creates an invoker for an OpenAI-compatible endpoint.
func NewHTTPInvoker(provider, baseURL string) *HTTPInvoker {
	return &HTTPInvoker{
		BaseURL:  baseURL,
		Provider: provider,
		Client:   &http.Client{Timeout: 120 * time.Second},
	}
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (h *HTTPInvoker) Invoke(ctx context.Context, modelID string, messages []types.Message, secret string) (*Result, error) {
	body, err := json.Marshal(chatRequest{Model: modelID, Messages: messages})
	if err != nil {
		return nil, &Error{Provider: h.Provider, ModelID: modelID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: h.Provider, ModelID: modelID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		// Network-level failures are worth retrying.
		return nil, &Error{Provider: h.Provider, ModelID: modelID, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Error{
			Provider:  h.Provider,
			ModelID:   modelID,
			Retryable: true,
			Err:       fmt.Errorf("status %d", resp.StatusCode),
		}
	default:
		return nil, &Error{
			Provider: h.Provider,
			ModelID:  modelID,
			Err:      fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Provider: h.Provider, ModelID: modelID, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Provider: h.Provider, ModelID: modelID, Err: fmt.Errorf("empty choices")}
	}

	return &Result{
		Content: parsed.Choices[0].Message.Content,
		Tokens:  parsed.Usage.TotalTokens,
	}, nil
}

// Verify interface compliance
var _ Invoker = (*HTTPInvoker)(nil)
