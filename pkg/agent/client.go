package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/controller"
	"github.com/ethpandaops/gradeoor/pkg/executor"
	"github.com/ethpandaops/gradeoor/pkg/retry"
	"github.com/ethpandaops/gradeoor/pkg/steps"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	// maxErrorBody bounds the response body kept in an APIError.
	maxErrorBody = 4 << 10

	// maxDownloadBytes bounds a downloaded archive or fixture.
	maxDownloadBytes = 256 << 20
)

var (
	// ErrStale is returned when the server rejects a write because the
	// result was reset or reassigned.
	ErrStale = errors.New("result is stale")

	// ErrDetached is returned when the server no longer knows this runner
	// as part of a live run.
	ErrDetached = errors.New("runner detached")
)

// APIError is returned for unexpected non-2xx responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// retryable retries transport failures and server errors.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}

	var urlErr *url.Error

	return errors.As(err, &urlErr)
}

// Client talks to the runner API.
type Client interface {
	Register(ctx context.Context, jobID, ipaddr string) (*store.Runner, error)
	// Heartbeat returns the attempts the runner still owns.
	Heartbeat(ctx context.Context, runnerID string) (*controller.HeartbeatResponse, error)
	// Claim returns the next plan, or nil when there is no work.
	Claim(ctx context.Context, runnerID string) (*executor.Plan, error)
	FinishResult(ctx context.Context, ref controller.ResultRef, report *controller.ResultReport) error
	Download(ctx context.Context, key string) ([]byte, error)
	// Reporter returns a reporter writing step transitions of ref.
	Reporter(ref controller.ResultRef) executor.Reporter
}

// Ensure interface compliance.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	baseURL string
	token   string
	policy  retry.Policy
	http    *http.Client
}

// NewClient creates a runner API client.
func NewClient(log logrus.FieldLogger, serverURL, token string, hc *http.Client) Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}

	return &client{
		log:     log.WithField("component", "agent-client"),
		baseURL: strings.TrimRight(serverURL, "/") + "/api/v1",
		token:   token,
		policy:  retry.Exponential(5, 500*time.Millisecond, 10*time.Second).WithRetryable(retryable),
		http:    hc,
	}
}

func (c *client) Register(ctx context.Context, jobID, ipaddr string) (*store.Runner, error) {
	var runner store.Runner

	body := map[string]string{"job_id": jobID, "ipaddr": ipaddr}
	if _, err := c.do(ctx, http.MethodPost, "/runners", body, &runner); err != nil {
		return nil, fmt.Errorf("registering runner: %w", err)
	}

	return &runner, nil
}

func (c *client) Heartbeat(ctx context.Context, runnerID string) (*controller.HeartbeatResponse, error) {
	var resp controller.HeartbeatResponse
	if _, err := c.do(ctx, http.MethodPost, runnerPath(runnerID)+"/heartbeat", nil, &resp); err != nil {
		return nil, fmt.Errorf("sending heartbeat: %w", err)
	}

	return &resp, nil
}

func (c *client) Claim(ctx context.Context, runnerID string) (*executor.Plan, error) {
	var plan executor.Plan

	status, err := c.do(ctx, http.MethodPost, runnerPath(runnerID)+"/claim", nil, &plan)
	if err != nil {
		return nil, fmt.Errorf("claiming result: %w", err)
	}

	if status == http.StatusNoContent {
		return nil, nil
	}

	return &plan, nil
}

func (c *client) FinishResult(
	ctx context.Context, ref controller.ResultRef, report *controller.ResultReport,
) error {
	if _, err := c.do(ctx, http.MethodPost, resultPath(ref)+"/finish", report, nil); err != nil {
		return fmt.Errorf("finishing result %d: %w", ref.ResultID, err)
	}

	return nil
}

// Download fetches a blob. Redirects to presigned URLs are followed by the
// HTTP client.
func (c *client) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte

	err := c.policy.Do(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodGet, "/runners/files/"+key, nil)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if err := checkStatus(req, resp); err != nil {
			return err
		}

		data, err = io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))

		return err
	}, c.notify(http.MethodGet, key))
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}

	return data, nil
}

func (c *client) Reporter(ref controller.ResultRef) executor.Reporter {
	return &reporter{client: c, ref: ref}
}

func runnerPath(runnerID string) string {
	return "/runners/" + url.PathEscape(runnerID)
}

func resultPath(ref controller.ResultRef) string {
	return fmt.Sprintf("%s/results/%d/%d", runnerPath(ref.RunnerID), ref.ResultID, ref.Attempt)
}

func (c *client) notify(method, path string) retry.Notify {
	return func(err error, wait time.Duration) {
		c.log.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"wait":   wait,
		}).Warn("API request failed, retrying")
	}
}

// do sends a JSON request under the retry policy and returns the status.
func (c *client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var status int

	err := c.policy.Do(ctx, func() error {
		var err error

		status, err = c.once(ctx, method, path, in, out)

		return err
	}, c.notify(method, path))

	return status, err
}

func (c *client) newRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return req, nil
}

func (c *client) once(ctx context.Context, method, path string, in, out any) (int, error) {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return 0, err
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(req, resp); err != nil {
		return resp.StatusCode, err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}

	return resp.StatusCode, nil
}

// checkStatus maps 409 and 410 onto ErrStale and ErrDetached.
func checkStatus(req *http.Request, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return ErrStale
	case resp.StatusCode == http.StatusGone:
		return ErrDetached
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return &APIError{
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(data)),
	}
}

// reporter sends step transitions of one result attempt.
type reporter struct {
	client *client
	ref    controller.ResultRef
}

// Ensure interface compliance.
var _ executor.Reporter = (*reporter)(nil)

func (r *reporter) StartStep(ctx context.Context, stepID uint) error {
	_, err := r.client.do(ctx, http.MethodPost, r.stepPath(stepID)+"/start", nil, nil)

	return err
}

func (r *reporter) FinishStep(ctx context.Context, stepID uint, out *steps.Outcome) error {
	_, err := r.client.do(ctx, http.MethodPost, r.stepPath(stepID)+"/finish", out, nil)

	return err
}

func (r *reporter) SkipSteps(ctx context.Context, state store.StepState, stepIDs []uint) error {
	body := map[string]any{"state": state, "step_ids": stepIDs}
	_, err := r.client.do(ctx, http.MethodPost, resultPath(r.ref)+"/steps/skip", body, nil)

	return err
}

func (r *reporter) IngestComments(ctx context.Context, stepID uint, comments []steps.Comment) error {
	_, err := r.client.do(ctx, http.MethodPost, r.stepPath(stepID)+"/comments", comments, nil)

	return err
}

func (r *reporter) stepPath(stepID uint) string {
	return fmt.Sprintf("%s/steps/%d", resultPath(r.ref), stepID)
}
