package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/stackhold/stackhold/internal/httpclient"
)

const (
	// authRetries and authRetryInterval bound the token login.
	authRetries       = 3
	authRetryInterval = 2 * time.Second

	// settleDelay is how long a start/stop is given before the verification
	// read, because the API may report success while containers are still
	// transitioning.
	settleDelay = 3 * time.Second
)

// Client talks to the container-management API.
type Client struct {
	baseURL    string
	username   string
	password   string
	endpointID int
	token      string
	httpClient *http.Client
	logger     zerolog.Logger

	// sleep is overridable for tests.
	sleep func(time.Duration)
}

// ClientConfig holds configuration for creating a registry client.
type ClientConfig struct {
	BaseURL     string
	Username    string
	Password    string
	EndpointID  int
	Timeout     time.Duration
	ProxyConfig *httpclient.ProxyConfig
}

// NewClient creates a registry client. It does not authenticate; call
// Authenticate before any other method.
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("registry client: base URL is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("registry client: invalid URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client, err := httpclient.New(httpclient.Options{
		Timeout:     timeout,
		ProxyConfig: cfg.ProxyConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("registry client: create http client: %w", err)
	}

	return &Client{
		baseURL:    parsed.String(),
		username:   cfg.Username,
		password:   cfg.Password,
		endpointID: cfg.EndpointID,
		httpClient: client,
		logger:     logger.With().Str("component", "registry_client").Logger(),
		sleep:      time.Sleep,
	}, nil
}

// Authenticate performs the token login with the stored admin credentials,
// retrying up to 3 times at 2-second intervals.
func (c *Client) Authenticate(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= authRetries; attempt++ {
		token, err := c.login(ctx)
		if err == nil {
			c.token = token
			c.logger.Debug().Msg("registry authentication succeeded")
			return nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("registry authentication attempt failed")
		if attempt < authRetries {
			c.sleep(authRetryInterval)
		}
	}
	return fmt.Errorf("%w: %v", ErrAuth, lastErr)
}

func (c *Client) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(authRequest{Username: c.username, Password: c.password})
	if err != nil {
		return "", fmt.Errorf("marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("auth returned status %d: %s", resp.StatusCode, string(data))
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if auth.JWT == "" {
		return "", fmt.Errorf("auth response contained no token")
	}
	return auth.JWT, nil
}

// ListStacks retrieves all stacks known to the registry.
func (c *Client) ListStacks(ctx context.Context) ([]Stack, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/stacks", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: list stacks: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return nil, err
	}

	var raw []apiStack
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &APIError{Message: "unparseable stack list", Details: err.Error()}
	}

	stacks := make([]Stack, 0, len(raw))
	for _, s := range raw {
		stacks = append(stacks, s.toStack())
	}
	return stacks, nil
}

// GetStackFile retrieves the compose content for a stack.
func (c *Client) GetStackFile(ctx context.Context, stackID int) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/stacks/%d/file", stackID), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("registry: get stack file: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return "", err
	}

	var file stackFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return "", &APIError{Message: "unparseable stack file response", Details: err.Error()}
	}
	return file.StackFileContent, nil
}

// CreateStack creates a standalone compose stack on the configured endpoint
// and returns the registry-assigned ID.
func (c *Client) CreateStack(ctx context.Context, name, composeContent string, env []EnvVar) (int, error) {
	body, err := json.Marshal(createStackRequest{Name: name, StackFileContent: composeContent, Env: env})
	if err != nil {
		return 0, fmt.Errorf("marshal create stack request: %w", err)
	}

	path := fmt.Sprintf("/api/stacks/create/standalone/string?endpointId=%d", c.endpointID)
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("registry: create stack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("%w: %s", ErrConflict, name)
	}
	if err := c.checkResponse(resp); err != nil {
		return 0, err
	}

	var created createStackResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return 0, &APIError{Message: "unparseable create stack response", Details: err.Error()}
	}

	c.logger.Info().Str("stack", name).Int("id", created.ID).Msg("stack created")
	return created.ID, nil
}

// UpdateStack replaces a stack's compose content and environment in place.
func (c *Client) UpdateStack(ctx context.Context, stackID int, composeContent string, env []EnvVar) error {
	body, err := json.Marshal(updateStackRequest{StackFileContent: composeContent, Env: env})
	if err != nil {
		return fmt.Errorf("marshal update stack request: %w", err)
	}

	path := fmt.Sprintf("/api/stacks/%d?endpointId=%d", stackID, c.endpointID)
	req, err := c.newRequest(ctx, http.MethodPut, path, bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry: update stack: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)

	c.logger.Info().Int("id", stackID).Msg("stack updated")
	return nil
}

// DeleteStack removes a stack from the registry.
func (c *Client) DeleteStack(ctx context.Context, stackID int) error {
	path := fmt.Sprintf("/api/stacks/%d?endpointId=%d", stackID, c.endpointID)
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry: delete stack: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)

	c.logger.Info().Int("id", stackID).Msg("stack deleted")
	return nil
}

// StartStack starts a stack and performs a verification read after a short
// settle, because the API may report success while containers are still
// transitioning. A mismatch is logged as a warning, not a failure: the
// operation may still converge.
func (c *Client) StartStack(ctx context.Context, stackID int) error {
	if err := c.postStackAction(ctx, stackID, "start"); err != nil {
		return err
	}
	c.verifyStatus(ctx, stackID, StatusRunning)
	return nil
}

// StopStack stops a stack with the same verification behavior as StartStack.
func (c *Client) StopStack(ctx context.Context, stackID int) error {
	if err := c.postStackAction(ctx, stackID, "stop"); err != nil {
		return err
	}
	c.verifyStatus(ctx, stackID, StatusStopped)
	return nil
}

func (c *Client) postStackAction(ctx context.Context, stackID int, action string) error {
	path := fmt.Sprintf("/api/stacks/%d/%s?endpointId=%d", stackID, action, c.endpointID)
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry: %s stack: %w", action, err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) verifyStatus(ctx context.Context, stackID int, want StackStatus) {
	c.sleep(settleDelay)

	stacks, err := c.ListStacks(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Int("id", stackID).Msg("status verification read failed")
		return
	}
	for _, s := range stacks {
		if s.ID != stackID {
			continue
		}
		if s.Status != want {
			c.logger.Warn().
				Int("id", stackID).
				Str("stack", s.Name).
				Str("status", string(s.Status)).
				Str("expected", string(want)).
				Msg("stack status has not settled yet")
		}
		return
	}
	c.logger.Warn().Int("id", stackID).Msg("stack missing from verification read")
}

// ListContainersForStack returns the endpoint's containers that belong to the
// named stack, matched by the compose-project label.
func (c *Client) ListContainersForStack(ctx context.Context, stackName string) ([]Container, error) {
	filters := map[string][]string{
		"label": {composeProjectLabel + "=" + stackName},
	}
	filterJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("marshal container filters: %w", err)
	}

	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/json?all=true&filters=%s",
		c.endpointID, url.QueryEscape(string(filterJSON)))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: list containers: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return nil, err
	}

	var containers []Container
	if err := json.NewDecoder(resp.Body).Decode(&containers); err != nil {
		return nil, &APIError{Message: "unparseable container list", Details: err.Error()}
	}
	return containers, nil
}

// TestConnection verifies the API is reachable and the token is accepted.
func (c *Client) TestConnection(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/stacks", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry: connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuth
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: "health check failed", Details: string(data)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("registry: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "stackhold/1.0")
	return req, nil
}

func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	var apiErr APIError
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
		apiErr.Status = resp.StatusCode
		return &apiErr
	}
	return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("request failed with status %d", resp.StatusCode), Details: string(data)}
}
