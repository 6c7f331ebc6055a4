package metricsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the default per-call HTTP timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultReadRetries is the default number of retry attempts for
	// describe calls.
	DefaultReadRetries = 3
	// DefaultInitialBackoff is the default initial backoff between read retries.
	DefaultInitialBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff is the default backoff cap.
	DefaultMaxBackoff = 10 * time.Second
)

// HTTPClientConfig holds the configuration for creating an HTTPClient.
type HTTPClientConfig struct {
	// BaseURL is the control-plane endpoint, e.g. https://metrics.internal.example.com/v1
	BaseURL string
	// AuthToken is the bearer token for authentication (optional)
	AuthToken string
	// HTTPClient is the HTTP client to use (optional, uses default if nil)
	HTTPClient *http.Client
	// ReadRetries is the retry budget for describe calls (optional, default: 3)
	ReadRetries *int
	// InitialBackoff is the initial backoff between read retries (optional, default: 500ms)
	InitialBackoff time.Duration
	// MaxBackoff is the backoff cap (optional, default: 10s)
	MaxBackoff time.Duration
}

// HTTPClient implements Client against the control plane's REST API.
//
// Describe calls are retried with exponential backoff on transient failures.
// Mutating calls are issued exactly once: the API offers no dedup tokens, so
// retrying a timed-out write could duplicate its side effect. Callers handle
// an ambiguous write outcome by re-reading before mutating again.
type HTTPClient struct {
	baseURL        string
	authToken      string
	httpClient     *http.Client
	readRetries    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTPClient with the given configuration.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	readRetries := DefaultReadRetries
	if cfg.ReadRetries != nil {
		readRetries = *cfg.ReadRetries
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = DefaultInitialBackoff
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = DefaultMaxBackoff
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	return &HTTPClient{
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		authToken:      cfg.AuthToken,
		httpClient:     httpClient,
		readRetries:    readRetries,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

type createWorkspaceRequest struct {
	Alias string            `json:"alias,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

type updateAliasRequest struct {
	Alias string `json:"alias"`
}

type tagResourceRequest struct {
	ResourceARN string            `json:"resourceArn"`
	Tags        map[string]string `json:"tags"`
}

type untagResourceRequest struct {
	ResourceARN string   `json:"resourceArn"`
	TagKeys     []string `json:"tagKeys"`
}

type ruleGroupsNamespaceRequest struct {
	Name string            `json:"name,omitempty"`
	Data string            `json:"data"`
	Tags map[string]string `json:"tags,omitempty"`
}

type alertManagerDefinitionRequest struct {
	Data string `json:"data"`
}

type loggingConfigurationRequest struct {
	LogGroupARN string `json:"logGroupArn"`
}

func (c *HTTPClient) CreateWorkspace(ctx context.Context, alias string, tags map[string]string) (*Workspace, error) {
	var ws Workspace
	err := c.write(ctx, http.MethodPost, "/workspaces", createWorkspaceRequest{Alias: alias, Tags: tags}, &ws)
	RecordAPICall("CreateWorkspace", err)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (c *HTTPClient) DescribeWorkspace(ctx context.Context, workspaceID string) (*Workspace, error) {
	var ws Workspace
	err := c.read(ctx, "/workspaces/"+url.PathEscape(workspaceID), &ws)
	RecordAPICall("DescribeWorkspace", err)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (c *HTTPClient) UpdateWorkspaceAlias(ctx context.Context, workspaceID, alias string) error {
	err := c.write(ctx, http.MethodPost, "/workspaces/"+url.PathEscape(workspaceID)+"/alias", updateAliasRequest{Alias: alias}, nil)
	RecordAPICall("UpdateWorkspaceAlias", err)
	return err
}

func (c *HTTPClient) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	err := c.write(ctx, http.MethodDelete, "/workspaces/"+url.PathEscape(workspaceID), nil, nil)
	RecordAPICall("DeleteWorkspace", err)
	return err
}

func (c *HTTPClient) TagResource(ctx context.Context, arn string, tags map[string]string) error {
	err := c.write(ctx, http.MethodPost, "/tags", tagResourceRequest{ResourceARN: arn, Tags: tags}, nil)
	RecordAPICall("TagResource", err)
	return err
}

func (c *HTTPClient) UntagResource(ctx context.Context, arn string, keys []string) error {
	err := c.write(ctx, http.MethodPost, "/untag", untagResourceRequest{ResourceARN: arn, TagKeys: keys}, nil)
	RecordAPICall("UntagResource", err)
	return err
}

func (c *HTTPClient) CreateRuleGroupsNamespace(ctx context.Context, workspaceID, name, data string, tags map[string]string) (*RuleGroupsNamespace, error) {
	var ns RuleGroupsNamespace
	path := "/workspaces/" + url.PathEscape(workspaceID) + "/rulegroupsnamespaces"
	err := c.write(ctx, http.MethodPost, path, ruleGroupsNamespaceRequest{Name: name, Data: data, Tags: tags}, &ns)
	RecordAPICall("CreateRuleGroupsNamespace", err)
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (c *HTTPClient) DescribeRuleGroupsNamespace(ctx context.Context, workspaceID, name string) (*RuleGroupsNamespace, error) {
	var ns RuleGroupsNamespace
	err := c.read(ctx, c.ruleGroupsNamespacePath(workspaceID, name), &ns)
	RecordAPICall("DescribeRuleGroupsNamespace", err)
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (c *HTTPClient) PutRuleGroupsNamespace(ctx context.Context, workspaceID, name, data string) (*RuleGroupsNamespace, error) {
	var ns RuleGroupsNamespace
	err := c.write(ctx, http.MethodPut, c.ruleGroupsNamespacePath(workspaceID, name), ruleGroupsNamespaceRequest{Data: data}, &ns)
	RecordAPICall("PutRuleGroupsNamespace", err)
	if err != nil {
		return nil, err
	}
	return &ns, nil
}

func (c *HTTPClient) DeleteRuleGroupsNamespace(ctx context.Context, workspaceID, name string) error {
	err := c.write(ctx, http.MethodDelete, c.ruleGroupsNamespacePath(workspaceID, name), nil, nil)
	RecordAPICall("DeleteRuleGroupsNamespace", err)
	return err
}

func (c *HTTPClient) CreateAlertManagerDefinition(ctx context.Context, workspaceID, data string) (*AlertManagerDefinition, error) {
	var def AlertManagerDefinition
	err := c.write(ctx, http.MethodPost, c.alertManagerPath(workspaceID), alertManagerDefinitionRequest{Data: data}, &def)
	RecordAPICall("CreateAlertManagerDefinition", err)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *HTTPClient) DescribeAlertManagerDefinition(ctx context.Context, workspaceID string) (*AlertManagerDefinition, error) {
	var def AlertManagerDefinition
	err := c.read(ctx, c.alertManagerPath(workspaceID), &def)
	RecordAPICall("DescribeAlertManagerDefinition", err)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *HTTPClient) PutAlertManagerDefinition(ctx context.Context, workspaceID, data string) (*AlertManagerDefinition, error) {
	var def AlertManagerDefinition
	err := c.write(ctx, http.MethodPut, c.alertManagerPath(workspaceID), alertManagerDefinitionRequest{Data: data}, &def)
	RecordAPICall("PutAlertManagerDefinition", err)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *HTTPClient) DeleteAlertManagerDefinition(ctx context.Context, workspaceID string) error {
	err := c.write(ctx, http.MethodDelete, c.alertManagerPath(workspaceID), nil, nil)
	RecordAPICall("DeleteAlertManagerDefinition", err)
	return err
}

func (c *HTTPClient) CreateLoggingConfiguration(ctx context.Context, workspaceID, logGroupARN string) (*LoggingConfiguration, error) {
	var lc LoggingConfiguration
	err := c.write(ctx, http.MethodPost, c.loggingPath(workspaceID), loggingConfigurationRequest{LogGroupARN: logGroupARN}, &lc)
	RecordAPICall("CreateLoggingConfiguration", err)
	if err != nil {
		return nil, err
	}
	return &lc, nil
}

func (c *HTTPClient) DescribeLoggingConfiguration(ctx context.Context, workspaceID string) (*LoggingConfiguration, error) {
	var lc LoggingConfiguration
	err := c.read(ctx, c.loggingPath(workspaceID), &lc)
	RecordAPICall("DescribeLoggingConfiguration", err)
	if err != nil {
		return nil, err
	}
	return &lc, nil
}

func (c *HTTPClient) UpdateLoggingConfiguration(ctx context.Context, workspaceID, logGroupARN string) (*LoggingConfiguration, error) {
	var lc LoggingConfiguration
	err := c.write(ctx, http.MethodPut, c.loggingPath(workspaceID), loggingConfigurationRequest{LogGroupARN: logGroupARN}, &lc)
	RecordAPICall("UpdateLoggingConfiguration", err)
	if err != nil {
		return nil, err
	}
	return &lc, nil
}

func (c *HTTPClient) DeleteLoggingConfiguration(ctx context.Context, workspaceID string) error {
	err := c.write(ctx, http.MethodDelete, c.loggingPath(workspaceID), nil, nil)
	RecordAPICall("DeleteLoggingConfiguration", err)
	return err
}

func (c *HTTPClient) ruleGroupsNamespacePath(workspaceID, name string) string {
	return "/workspaces/" + url.PathEscape(workspaceID) + "/rulegroupsnamespaces/" + url.PathEscape(name)
}

func (c *HTTPClient) alertManagerPath(workspaceID string) string {
	return "/workspaces/" + url.PathEscape(workspaceID) + "/alertmanager/definition"
}

func (c *HTTPClient) loggingPath(workspaceID string) string {
	return "/workspaces/" + url.PathEscape(workspaceID) + "/logging/configuration"
}

// read performs a GET with retries on transient failures.
func (c *HTTPClient) read(ctx context.Context, path string, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.readRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}

		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("read %s failed after %d attempts: %w", path, c.readRetries+1, lastErr)
}

// write performs a single mutating request without retries.
func (c *HTTPClient) write(ctx context.Context, method, path string, in, out interface{}) error {
	return c.do(ctx, method, path, in, out)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, respBytes)
	}

	if out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decodeAPIError maps an HTTP error response to an *APIError. A body that
// carries a code wins; otherwise the status alone decides the classification.
func decodeAPIError(status int, body []byte) error {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Code != "" {
		return &APIError{HTTPStatus: status, Code: er.Code, Message: er.Message}
	}

	code := CodeInternal
	switch {
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusConflict:
		code = CodeConflict
	case status == http.StatusTooManyRequests:
		code = CodeThrottling
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		code = CodeAccessDenied
	case status == http.StatusServiceUnavailable:
		code = CodeServiceUnavailable
	case status >= 400 && status < 500:
		// Any other 4xx is a rejected request; retrying it verbatim cannot
		// succeed. CodeInternal stays reserved for 5xx.
		code = CodeValidation
	}

	return &APIError{HTTPStatus: status, Code: code, Message: strings.TrimSpace(string(body))}
}

// backoff returns the backoff duration for the given attempt number.
// Exponential with jitter, capped at maxBackoff.
func (c *HTTPClient) backoff(attempt int) time.Duration {
	backoff := c.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
			break
		}
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	backoff = time.Duration(float64(backoff) + jitter)

	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}

	return backoff
}
