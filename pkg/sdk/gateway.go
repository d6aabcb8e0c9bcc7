package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GatewayConfig configures a GatewayClient.
type GatewayConfig struct {
	// GatewayURL is the controller's HTTP gateway (required)
	// Example: "http://localhost:8080"
	GatewayURL string

	// Timeout per request (default 30s)
	Timeout time.Duration
}

// GatewayClient reaches a worker through a running controller's HTTP
// gateway instead of owning a channel itself.
type GatewayClient struct {
	config     GatewayConfig
	httpClient *http.Client
}

// NewGatewayClient creates a client for the controller gateway.
func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &GatewayClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// ExampleAskDeepThought forwards the question through the gateway.
func (g *GatewayClient) ExampleAskDeepThought(ctx context.Context, question string) (int, error) {
	body, err := json.Marshal(DeepThoughtRequest{Question: question})
	if err != nil {
		return 0, fmt.Errorf("workerlink: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.config.GatewayURL+"/api/v1/deep-thought", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("workerlink: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out DeepThoughtResponse
	if err := g.do(httpReq, &out); err != nil {
		return 0, err
	}
	return out.Answer, nil
}

// Health reports the controller's client state.
func (g *GatewayClient) Health(ctx context.Context) (*HealthResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.config.GatewayURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	var out HealthResponse
	if err := g.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GatewayError is a non-2xx gateway answer.
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("workerlink: gateway returned %d: %s", e.StatusCode, e.Message)
}

func (g *GatewayClient) do(req *http.Request, out any) error {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("workerlink: gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("workerlink: failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		msg := string(respBody)
		if json.Unmarshal(respBody, &errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		return &GatewayError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("workerlink: failed to parse response: %w", err)
	}
	return nil
}
