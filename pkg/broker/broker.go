// Package broker is the client of the external service that provisions
// runners for AutoTest jobs.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/retry"
	"github.com/sirupsen/logrus"
)

// maxErrorBody bounds the response body kept in an HTTPError.
const maxErrorBody = 4 << 10

// HTTPError is returned for every non-2xx broker response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("broker %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// transportError marks failures to reach the broker at all.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// IsRetryable reports whether err is an HTTP status error or a transport
// error. Encoding errors and context cancellation are not retried.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var (
		httpErr *HTTPError
		tErr    *transportError
	)

	return errors.As(err, &httpErr) || errors.As(err, &tErr)
}

// Policy returns the retry policy shared by every broker call except Ping.
func Policy(cfg *config.BrokerConfig) retry.Policy {
	return retry.Exponential(
		uint64(max(cfg.MaxRetries, 0)), cfg.InitialBackoff, cfg.MaxBackoff,
	).WithRetryable(IsRetryable)
}

// JobRequest asks the broker for a number of runners for a job.
type JobRequest struct {
	JobID         string         `json:"job_id"`
	WantedRunners int            `json:"wanted_runners"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// JobResponse is the broker's view of a job after a request.
type JobResponse struct {
	WantedRunners int `json:"wanted_runners"`
}

// Client talks to the broker.
type Client interface {
	// RequestRunners sets the number of runners wanted for a job and
	// returns the number the broker accepted.
	RequestRunners(ctx context.Context, req *JobRequest) (*JobResponse, error)
	// DeleteRunner releases the runner with the given address.
	DeleteRunner(ctx context.Context, jobID, ipaddr string) error
	// EndJob releases every runner of a job.
	EndJob(ctx context.Context, jobID string, ignoreNonExisting bool) error
	// Ping checks that the broker is reachable. It is never retried.
	Ping(ctx context.Context) error
}

// Ensure interface compliance.
var _ Client = (*client)(nil)

type client struct {
	log         logrus.FieldLogger
	baseURL     string
	token       string
	pingTimeout time.Duration
	policy      retry.Policy
	http        *http.Client
}

// Option configures a Client.
type Option func(*client)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

// WithPolicy replaces the retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(c *client) { c.policy = p }
}

// NewClient creates a broker client from cfg.
func NewClient(log logrus.FieldLogger, cfg *config.BrokerConfig, opts ...Option) Client {
	c := &client{
		log:         log.WithField("component", "broker"),
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		token:       cfg.InstanceToken,
		pingTimeout: cfg.PingTimeout,
		policy:      Policy(cfg),
		http:        &http.Client{Timeout: 30 * time.Second},
	}

	if c.pingTimeout <= 0 {
		c.pingTimeout = 2 * time.Second
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *client) RequestRunners(ctx context.Context, req *JobRequest) (*JobResponse, error) {
	var resp JobResponse

	if err := c.do(ctx, http.MethodPut, "/api/v1/jobs/", req, &resp); err != nil {
		return nil, fmt.Errorf("requesting runners: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"job":      req.JobID,
		"wanted":   req.WantedRunners,
		"accepted": resp.WantedRunners,
	}).Debug("Requested runners")

	return &resp, nil
}

func (c *client) DeleteRunner(ctx context.Context, jobID, ipaddr string) error {
	path := "/api/v1/jobs/" + url.PathEscape(jobID) + "/runners/"
	body := map[string]string{"ipaddr": ipaddr}

	if err := c.do(ctx, http.MethodDelete, path, body, nil); err != nil {
		return fmt.Errorf("deleting runner: %w", err)
	}

	return nil
}

func (c *client) EndJob(ctx context.Context, jobID string, ignoreNonExisting bool) error {
	path := "/api/v1/jobs/" + url.PathEscape(jobID) +
		"?ignore_non_existing=" + strconv.FormatBool(ignoreNonExisting)

	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("ending job: %w", err)
	}

	return nil
}

func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	return c.once(ctx, http.MethodGet, "/api/v1/ping", nil, nil)
}

// do sends a request under the retry policy.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	return c.policy.Do(ctx, func() error {
		return c.once(ctx, method, path, in, out)
	}, func(err error, wait time.Duration) {
		c.log.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"wait":   wait,
		}).Warn("Broker request failed, retrying")
	})
}

func (c *client) once(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &transportError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
