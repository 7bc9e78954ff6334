package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/google/uuid"
	tperrors "github.com/odvcencio/testpilot/pkg/errors"
)

const (
	defaultBaseURL      = "https://api.browser-use.com/api/v1"
	defaultTimeout      = 60 * time.Second
	defaultPollInterval = 2 * time.Second

	// Stay well under the cloud API's documented request ceiling.
	defaultRateLimit = rate.Limit(5) // 5 requests per second
	defaultBurstSize = 10
)

// RetryConfig configures the retry mechanism for idempotent HTTP requests.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

// DefaultTransport returns an optimized http.Transport with tuned connection pool settings.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// Client talks to the Browser Use Cloud task API.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	rateLimiter  *rate.Limiter
	retryConfig  RetryConfig
	pollInterval time.Duration
}

// ClientOptions tunes optional client behavior.
type ClientOptions struct {
	// Timeout overrides the HTTP client timeout (0 keeps the default).
	Timeout time.Duration
	// PollInterval overrides the Watch poll cadence (0 keeps the default).
	PollInterval time.Duration
	// RetryConfig is optional; if nil, default config is used
	RetryConfig *RetryConfig
}

// NewClient creates a new Browser Use Cloud client.
func NewClient(apiKey string, baseURL string) *Client {
	return NewClientWithOptions(apiKey, baseURL, ClientOptions{})
}

func NewClientWithOptions(apiKey string, baseURL string, opts ClientOptions) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := defaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	pollInterval := defaultPollInterval
	if opts.PollInterval > 0 {
		pollInterval = opts.PollInterval
	}

	var retryConfig RetryConfig
	if opts.RetryConfig != nil {
		retryConfig = *opts.RetryConfig
	} else {
		retryConfig = DefaultRetryConfig()
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		rateLimiter: rate.NewLimiter(defaultRateLimit, defaultBurstSize),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: DefaultTransport(),
		},
		retryConfig:  retryConfig,
		pollInterval: pollInterval,
	}
}

// Available reports whether the client has an API key configured.
func (c *Client) Available() bool {
	return c.apiKey != ""
}

// requireKey returns a structured error with remediation when no key is set.
func (c *Client) requireKey() error {
	if c.Available() {
		return nil
	}
	return tperrors.New(tperrors.ErrCodeCloudUnavailable, "Browser Use Cloud API key not configured").
		WithRemediation(
			"Set the BROWSER_USE_API_KEY environment variable",
			"Or set cloud.api_key in the config file",
		)
}

// CreateTask submits a task to the cloud and returns the created task.
// The API hands back a bare id; it serves as both task and session identifier,
// and the live URL only becomes available once the task is running.
func (c *Client) CreateTask(ctx context.Context, task string) (*TaskResponse, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(task) == "" {
		return nil, tperrors.New(tperrors.ErrCodeInvalidInput, "task instructions must not be empty")
	}

	body, err := json.Marshal(map[string]string{"task": task})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run-task", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.DoWithRetry(req)
	if err != nil {
		return nil, fmt.Errorf("creating cloud task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.parseError(resp)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("cloud task response missing id")
	}

	return &TaskResponse{
		TaskID:    created.ID,
		SessionID: created.ID,
		LiveURL:   nil,
		Status:    TaskStatusStarted,
	}, nil
}

// GetTask fetches the current state of a cloud task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskDetail, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	if taskID == "" {
		return nil, tperrors.New(tperrors.ErrCodeInvalidInput, "task id must not be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.DoWithRetry(req)
	if err != nil {
		return nil, fmt.Errorf("fetching cloud task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, tperrors.New(tperrors.ErrCodeTaskNotFound, fmt.Sprintf("cloud task %s not found", taskID))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var detail TaskDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if detail.TaskID == "" {
		detail.TaskID = taskID
	}
	if detail.SessionID == "" {
		detail.SessionID = taskID
	}
	if detail.Status == "" {
		detail.Status = "unknown"
	}

	return &detail, nil
}

// CreateParallel creates one cloud task per flow concurrently and groups the
// results under a fresh batch id. Results preserve input order; a single
// failure aborts the whole batch.
func (c *Client) CreateParallel(ctx context.Context, flows []string) (*ParallelResponse, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	if len(flows) == 0 {
		return nil, tperrors.New(tperrors.ErrCodeInvalidInput, "at least one flow is required")
	}

	tasks := make([]*TaskResponse, len(flows))
	g, gctx := errgroup.WithContext(ctx)
	for i, flow := range flows {
		g.Go(func() error {
			task, err := c.CreateTask(gctx, flow)
			if err != nil {
				return err
			}
			tasks[i] = task
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("creating parallel cloud tasks: %w", err)
	}

	return &ParallelResponse{
		BatchID:    uuid.NewString(),
		Tasks:      tasks,
		TotalTasks: len(tasks),
	}, nil
}

// Watch polls a task until it reaches a terminal status and streams updates
// on the returned channel. New steps are emitted individually, followed by a
// status update each poll cycle and a single completion update at the end.
// Poll errors or context cancellation emit an error update and close the
// channel. The channel is always closed when watching stops.
func (c *Client) Watch(ctx context.Context, taskID string) <-chan WatchUpdate {
	updates := make(chan WatchUpdate, 16)

	go func() {
		defer close(updates)

		if err := c.requireKey(); err != nil {
			c.emit(ctx, updates, WatchUpdate{Type: WatchError, TaskID: taskID, Err: err, Timestamp: time.Now().UTC()})
			return
		}

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		seenSteps := 0
		for {
			detail, err := c.GetTask(ctx, taskID)
			if err != nil {
				c.emit(ctx, updates, WatchUpdate{Type: WatchError, TaskID: taskID, Err: err, Timestamp: time.Now().UTC()})
				return
			}

			if len(detail.Steps) > seenSteps {
				for _, step := range detail.Steps[seenSteps:] {
					s := step
					if !c.emit(ctx, updates, WatchUpdate{
						Type:      WatchStep,
						TaskID:    taskID,
						Step:      &s,
						Timestamp: time.Now().UTC(),
					}) {
						return
					}
				}
				seenSteps = len(detail.Steps)
			}

			if !c.emit(ctx, updates, WatchUpdate{
				Type:       WatchStatus,
				TaskID:     taskID,
				Status:     detail.Status,
				LiveURL:    detail.LiveURL,
				StepsCount: len(detail.Steps),
				Timestamp:  time.Now().UTC(),
			}) {
				return
			}

			if TerminalStatus(detail.Status) {
				c.emit(ctx, updates, WatchUpdate{
					Type:      WatchCompletion,
					TaskID:    taskID,
					Status:    detail.Status,
					Output:    detail.Output,
					Timestamp: time.Now().UTC(),
				})
				return
			}

			select {
			case <-ctx.Done():
				c.emit(ctx, updates, WatchUpdate{Type: WatchError, TaskID: taskID, Err: ctx.Err(), Timestamp: time.Now().UTC()})
				return
			case <-ticker.C:
			}
		}
	}()

	return updates
}

// emit delivers an update unless the watcher's context is already done.
func (c *Client) emit(ctx context.Context, updates chan<- WatchUpdate, update WatchUpdate) bool {
	select {
	case updates <- update:
		return true
	case <-ctx.Done():
		return false
	}
}

// SetRetryConfig updates the retry configuration.
func (c *Client) SetRetryConfig(config RetryConfig) {
	c.retryConfig = config
}

// isRetryableError checks if an error is retryable based on status code.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable
	}
	// Network errors are generally retryable
	return true
}

// isIdempotentMethod checks if an HTTP method is idempotent and safe to retry.
func isIdempotentMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// calculateBackoff calculates the delay for the next retry attempt using exponential backoff with jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.retryConfig.InitialInterval
	}

	delay := float64(c.retryConfig.InitialInterval)
	for i := 0; i < attempt; i++ {
		delay *= c.retryConfig.Multiplier
	}

	if delay > float64(c.retryConfig.MaxInterval) {
		delay = float64(c.retryConfig.MaxInterval)
	}

	// Jitter prevents thundering herd when multiple watchers retry together
	jitter := time.Duration(rand.Float64() * delay * 0.5)
	delay = delay*0.75 + float64(jitter)

	return time.Duration(delay)
}

// DoWithRetry executes an HTTP request with retry logic for idempotent methods.
// For non-idempotent methods (POST, PATCH), it behaves like a regular Do.
func (c *Client) DoWithRetry(req *http.Request) (*http.Response, error) {
	if !isIdempotentMethod(req.Method) {
		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(req.Context()); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}
		return c.httpClient.Do(req)
	}

	var lastErr error
	var resp *http.Response

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt - 1)
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
		}

		// Clone the request for retry to ensure body can be re-read
		reqClone := req.Clone(req.Context())
		if req.Body != nil && req.Body != http.NoBody {
			bodyBytes, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, fmt.Errorf("reading request body: %w", err)
			}
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			reqClone.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(req.Context()); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, lastErr = c.httpClient.Do(reqClone)
		if lastErr == nil {
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				apiErr := c.parseError(resp)
				resp.Body.Close()
				lastErr = apiErr
				if isRetryableError(apiErr) && attempt < c.retryConfig.MaxRetries {
					continue
				}
				return nil, apiErr
			}
			return resp, nil
		}

		if attempt < c.retryConfig.MaxRetries && isRetryableError(lastErr) {
			continue
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.retryConfig.MaxRetries, lastErr)
	}
	return nil, fmt.Errorf("max retries (%d) exceeded", c.retryConfig.MaxRetries)
}

// setHeaders sets common request headers
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}

// parseError parses an error response and wraps it with additional context
func (c *Client) parseError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    resp.Status,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var errResp apiErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		rawBody := string(body)
		if len(rawBody) > 500 {
			rawBody = rawBody[:500] + "..."
		}
		message := resp.Status
		if rawBody != "" {
			message = fmt.Sprintf("%s (raw: %s)", resp.Status, rawBody)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    message,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	message := errResp.Error.Message
	if message == "" {
		message = errResp.Detail
	}
	if message == "" {
		message = resp.Status
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Type:       errResp.Error.Type,
		Code:       errResp.Error.Code,
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter parses the Retry-After header
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}

	return 0
}
