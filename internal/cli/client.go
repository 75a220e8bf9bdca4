package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/internal/services"
)

// Client talks to the CRM rules API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status: %d)", e.Message, e.StatusCode)
}

// NewClient creates an API client. token may be empty when auth is disabled.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	return resp, nil
}

// call performs a request and decodes the response into out when the status is expected
func (c *Client) call(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		raw, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := string(raw)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ListRules retrieves every rule in evaluation order
func (c *Client) ListRules(ctx context.Context) ([]*models.Rule, error) {
	var result struct {
		Rules []*models.Rule `json:"rules"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/rules", nil, http.StatusOK, &result); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return result.Rules, nil
}

// CreateRule creates a rule
func (c *Client) CreateRule(ctx context.Context, req *models.CreateRuleRequest) (*models.Rule, error) {
	var rule models.Rule
	if err := c.call(ctx, http.MethodPost, "/api/v1/rules", req, http.StatusCreated, &rule); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	return &rule, nil
}

// ProcessEmail runs the rules against a stored email
func (c *Client) ProcessEmail(ctx context.Context, id string, force bool) (*services.ProcessResult, error) {
	path := "/api/v1/emails/" + url.PathEscape(id) + "/reprocess?force=" + strconv.FormatBool(force)

	resp, err := c.doRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Failed results still carry a body describing the failure
	var result services.ProcessResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "unexpected response"}
	}
	return &result, nil
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.call(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil); err != nil {
		return fmt.Errorf("API health check failed: %w", err)
	}
	return nil
}
