// Package govee is a client for the vendor's JSON control gateway.
package govee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of an error body is used as a message
const maxErrorBody = 512

// Client calls the gateway's single control endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a gateway client.
// Parameters:
//   - baseURL: gateway root, requests go to {baseURL}/control
//   - rps: outbound calls per second (0 = unlimited)
func NewClient(baseURL, apiKey string, tokens TokenSource, timeout time.Duration, rps float64) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Call invokes one gateway action and returns the raw response body.
// A 401 forces one token refresh and a single retry; nothing else is retried.
func (c *Client) Call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	body := make(map[string]any, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	body["action"] = action

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Err: err}
	}

	token, err := c.tokens.Token(ctx, false)
	if err != nil {
		return nil, err
	}

	status, respBody, err := c.post(ctx, token, payload)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		log.Debug().Str("action", action).Msg("Gateway rejected token, forcing refresh")
		token, err = c.tokens.Token(ctx, true)
		if err != nil {
			return nil, err
		}
		status, respBody, err = c.post(ctx, token, payload)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, &AuthError{Err: fmt.Errorf("gateway rejected refreshed token")}
		}
	}

	if status < 200 || status > 299 {
		return nil, &VendorError{Status: status, Message: errorMessage(respBody)}
	}

	log.Debug().Str("action", action).Int("status", status).Msg("Gateway call completed")
	return json.RawMessage(respBody), nil
}

func (c *Client) post(ctx context.Context, token string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/control", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return resp.StatusCode, data, nil
}

// errorMessage prefers the "error" or "message" JSON field, then the body text.
func errorMessage(body []byte) string {
	var parsed struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch v := parsed.Error.(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && msg != "" {
				return msg
			}
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		msg = "empty response"
	}
	return msg
}

// ControlDevice sends one capability to a device or group.
func (c *Client) ControlDevice(ctx context.Context, device, sku string, capability Capability) error {
	_, err := c.Call(ctx, "controlDevice", map[string]any{
		"device":     device,
		"sku":        sku,
		"capability": capability,
	})
	return err
}

// GetDeviceState reads the current state of a device or group.
func (c *Client) GetDeviceState(ctx context.Context, device, sku string) (*DeviceState, error) {
	raw, err := c.Call(ctx, "getDeviceState", map[string]any{
		"device": device,
		"sku":    sku,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Payload DeviceState `json:"payload"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode device state: %w", err)
	}
	if resp.Payload.Device == "" {
		resp.Payload.Device = device
	}
	if resp.Payload.SKU == "" {
		resp.Payload.SKU = sku
	}
	return &resp.Payload, nil
}

// GetScenes lists the scenes available for a SKU, using device as the sample.
func (c *Client) GetScenes(ctx context.Context, sku, device string) ([]Scene, error) {
	raw, err := c.Call(ctx, "getScenes", map[string]any{
		"sku":    sku,
		"device": device,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Scenes []Scene `json:"scenes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode scenes: %w", err)
	}
	if resp.Scenes == nil {
		resp.Scenes = []Scene{}
	}
	return resp.Scenes, nil
}
