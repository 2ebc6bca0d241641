// Package connector is an HTTP client for the WhatsApp connector API.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// StatusError is returned when the connector answers with a non-2xx status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("connector %s: status %d: %s", e.Op, e.Code, e.Body)
}

// IsRateLimited reports whether err is a connector 429 response.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a connector 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Config holds connector client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the connector REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a connector client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// CreateRequest describes a new connector instance.
type CreateRequest struct {
	InstanceName string
	WebhookURL   string
}

// CreatedInstance is the connector's view of a newly created instance.
type CreatedInstance struct {
	InstanceID string
	Token      string
	Status     string
}

type createPayload struct {
	InstanceName string          `json:"instanceName"`
	QRCode       bool            `json:"qrcode"`
	Integration  string          `json:"integration"`
	Webhook      *webhookPayload `json:"webhook,omitempty"`
}

type webhookPayload struct {
	URL     string   `json:"url"`
	Enabled bool     `json:"enabled"`
	Events  []string `json:"events"`
}

type createResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		InstanceID   string `json:"instanceId"`
		Status       string `json:"status"`
	} `json:"instance"`
	Hash json.RawMessage `json:"hash"`
}

// CreateInstance provisions an instance on the connector.
func (c *Client) CreateInstance(ctx context.Context, req CreateRequest) (*CreatedInstance, error) {
	payload := createPayload{
		InstanceName: req.InstanceName,
		QRCode:       true,
		Integration:  "WHATSAPP-BAILEYS",
	}
	if req.WebhookURL != "" {
		payload.Webhook = &webhookPayload{
			URL:     req.WebhookURL,
			Enabled: true,
			Events:  []string{"MESSAGES_UPSERT", "CONNECTION_UPDATE"},
		}
	}

	var resp createResponse
	if err := c.do(ctx, "create instance", http.MethodPost, "/instance/create", payload, &resp); err != nil {
		return nil, err
	}

	return &CreatedInstance{
		InstanceID: resp.Instance.InstanceID,
		Token:      parseHash(resp.Hash),
		Status:     resp.Instance.Status,
	}, nil
}

// parseHash accepts both the string and {"apikey": "..."} forms of the instance token.
func parseHash(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		APIKey string `json:"apikey"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.APIKey
	}
	return ""
}

// ConnectionState is the raw connection state reported by the connector.
type ConnectionState struct {
	State string
	Raw   json.RawMessage
}

// ConnectionState fetches the connection state of an instance.
func (c *Client) ConnectionState(ctx context.Context, instanceName string) (*ConnectionState, error) {
	var raw json.RawMessage
	path := "/instance/connectionState/" + url.PathEscape(instanceName)
	if err := c.do(ctx, "connection state", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	var parsed struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode connection state: %w", err)
	}
	state := parsed.Instance.State
	if state == "" {
		state = parsed.State
	}
	return &ConnectionState{State: state, Raw: raw}, nil
}

// QRCode is the pairing material for an instance.
type QRCode struct {
	PairingCode string `json:"pairing_code,omitempty"`
	Code        string `json:"code,omitempty"`
	Base64      string `json:"base64,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// Connect requests a fresh QR code for pairing an instance.
func (c *Client) Connect(ctx context.Context, instanceName string) (*QRCode, error) {
	var resp struct {
		PairingCode string `json:"pairingCode"`
		Code        string `json:"code"`
		Base64      string `json:"base64"`
		Count       int    `json:"count"`
	}
	path := "/instance/connect/" + url.PathEscape(instanceName)
	if err := c.do(ctx, "connect", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &QRCode{
		PairingCode: resp.PairingCode,
		Code:        resp.Code,
		Base64:      resp.Base64,
		Count:       resp.Count,
	}, nil
}

// DeleteInstance removes an instance from the connector.
// A missing instance is not an error.
func (c *Client) DeleteInstance(ctx context.Context, instanceName string) error {
	path := "/instance/delete/" + url.PathEscape(instanceName)
	err := c.do(ctx, "delete instance", http.MethodDelete, path, nil, nil)
	if IsNotFound(err) {
		c.logger.Warn("Connector instance already gone", "instance", instanceName)
		return nil
	}
	return err
}

// SendText sends a text message from an instance to number.
func (c *Client) SendText(ctx context.Context, instanceName, number, text string) error {
	payload := map[string]string{
		"number": number,
		"text":   text,
	}
	path := "/message/sendText/" + url.PathEscape(instanceName)
	return c.do(ctx, "send text", http.MethodPost, path, payload, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("connector %s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("connector %s: create request: %w", op, err)
	}
	req.Header.Set("apikey", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connector %s: %w", op, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close connector response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("connector %s: decode response: %w", op, err)
	}
	return nil
}
