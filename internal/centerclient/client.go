// Package centerclient is the center tier's client for the main server's
// center API.
package centerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	centermodels "exambridge/internal/center/models"
	pkgmodels "exambridge/internal/offlinepkg/models"
	papermodels "exambridge/internal/paper/models"
	registrymodels "exambridge/internal/registry/models"
	tokenmodels "exambridge/internal/token/models"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/circuit"
	"exambridge/pkg/platform/httputil"
)

// maxResponseBytes bounds decoded responses. Packages are the largest.
const maxResponseBytes = 256 << 20

var errCircuitOpen = dErrors.New(dErrors.CodeRegistryUnavailable, "main server circuit open")

// Client calls the main server on behalf of one exam center. It logs in
// lazily and once more on a 401, so an expired bearer token is renewed
// without the caller noticing.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	maxElapsed time.Duration
	breaker    *circuit.Breaker

	code     string
	password string
	onLogin  func(*centermodels.LoginResult)

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// WithCredentials sets the center code and password used to log in.
func WithCredentials(code, password string) Option {
	return func(cl *Client) {
		cl.code = code
		cl.password = password
	}
}

// WithRetryWindow bounds how long transient failures are retried. Zero
// disables retries.
func WithRetryWindow(d time.Duration) Option {
	return func(cl *Client) {
		cl.maxElapsed = d
	}
}

// WithBreaker replaces the default circuit breaker guarding the main
// server.
func WithBreaker(b *circuit.Breaker) Option {
	return func(cl *Client) {
		cl.breaker = b
	}
}

// OnLogin registers a callback run after every successful login, including
// the silent re-login after a 401.
func OnLogin(fn func(*centermodels.LoginResult)) Option {
	return func(cl *Client) {
		cl.onLogin = fn
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:     slog.Default(),
		maxElapsed: 30 * time.Second,
		breaker:    circuit.New("main-server", circuit.WithFailureThreshold(5), circuit.WithCooldown(30*time.Second)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login authenticates the center and stores the bearer token.
func (c *Client) Login(ctx context.Context) (*centermodels.LoginResult, error) {
	if c.code == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "center credentials are not configured")
	}
	var res centermodels.LoginResult
	err := c.do(ctx, http.MethodPost, "/center/v1/login", centermodels.LoginRequest{
		Code:     c.code,
		Password: c.password,
	}, &res, false)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.token = res.AccessToken
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "center logged in", "center_code", c.code, "expires_at", res.ExpiresAt)
	if c.onLogin != nil {
		c.onLogin(&res)
	}
	return &res, nil
}

// DownloadPackage fetches the latest READY package of an exam shift.
func (c *Client) DownloadPackage(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*pkgmodels.Package, error) {
	var pkg pkgmodels.Package
	if err := c.do(ctx, http.MethodGet, shiftPath(examID, shiftID, "package"), nil, &pkg, true); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// FetchGrant fetches the center's access token grant for an exam shift.
func (c *Client) FetchGrant(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*tokenmodels.Grant, error) {
	var grant tokenmodels.Grant
	if err := c.do(ctx, http.MethodGet, shiftPath(examID, shiftID, "token"), nil, &grant, true); err != nil {
		return nil, err
	}
	return &grant, nil
}

// FetchRelease fetches the sealed key release. NotFound means the keys have
// not been released yet or the release expired.
func (c *Client) FetchRelease(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*papermodels.KeyRelease, error) {
	var release papermodels.KeyRelease
	if err := c.do(ctx, http.MethodGet, shiftPath(examID, shiftID, "keys"), nil, &release, true); err != nil {
		return nil, err
	}
	return &release, nil
}

// SendResults uploads one batch. The registry dedups by session id so a
// retried batch is safe.
func (c *Client) SendResults(ctx context.Context, records []registrymodels.ResultRecord) ([]registrymodels.Ack, error) {
	var resp registrymodels.IngestResponse
	err := c.do(ctx, http.MethodPost, "/center/v1/results", registrymodels.IngestRequest{Records: records}, &resp, true)
	if err != nil {
		return nil, err
	}
	return resp.Acks, nil
}

// ReportStatus sends the center's sync counters.
func (c *Client) ReportStatus(ctx context.Context, report registrymodels.StatusReport) error {
	return c.do(ctx, http.MethodPut, "/center/v1/sync-status", report, nil, true)
}

func shiftPath(examID id.ExamID, shiftID id.ShiftID, leaf string) string {
	return fmt.Sprintf("/center/v1/exams/%s/shifts/%s/%s", examID, shiftID, leaf)
}

// do sends one JSON request, retrying transient failures with exponential
// backoff. Authenticated calls log in first when no token is held and
// once more after a 401.
func (c *Client) do(ctx context.Context, method, path string, in, out any, authed bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode request")
		}
	}

	op := func() error {
		err := c.attempt(ctx, method, path, body, out, authed)
		if err != nil && authed && c.code != "" && dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			c.clearToken()
			err = c.attempt(ctx, method, path, body, out, authed)
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errCircuitOpen):
			return backoff.Permanent(err)
		case dErrors.HasCode(err, dErrors.CodeRegistryUnavailable):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.maxElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 200 * time.Millisecond
		eb.MaxElapsedTime = c.maxElapsed
		b = eb
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "main server request failed; retrying",
			"method", method, "path", path, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	var de *dErrors.Error
	if err != nil && !errors.As(err, &de) {
		return dErrors.Wrap(err, dErrors.CodeRegistryUnavailable, "main server request interrupted")
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, out any, authed bool) error {
	token := ""
	if authed {
		var err error
		if token, err = c.bearer(ctx); err != nil {
			return err
		}
	}
	return c.send(ctx, method, path, body, out, token)
}

// send performs one request through the circuit breaker. While the breaker
// is open calls fail fast without touching the network.
func (c *Client) send(ctx context.Context, method, path string, body []byte, out any, token string) error {
	if !c.breaker.Allow() {
		return errCircuitOpen
	}
	err := c.roundTrip(ctx, method, path, body, out, token)
	if dErrors.HasCode(err, dErrors.CodeRegistryUnavailable) {
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.logger.WarnContext(ctx, "main server circuit opened", "breaker", c.breaker.Name(), "error", err)
		}
		return err
	}
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.InfoContext(ctx, "main server circuit closed", "breaker", c.breaker.Name())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any, token string) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeRegistryUnavailable, "main server unreachable")
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, limited)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, limited)
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return dErrors.Wrap(err, dErrors.CodeRegistryUnavailable, "malformed main server response")
	}
	return nil
}

// decodeError turns an error envelope back into a coded error. Server-side
// failures are reported as RegistryUnavailable so callers retry them.
func decodeError(status int, body io.Reader) error {
	var envelope httputil.ErrorResponse
	_ = json.NewDecoder(body).Decode(&envelope)
	msg := envelope.ErrorDescription
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status >= http.StatusInternalServerError:
		return dErrors.New(dErrors.CodeRegistryUnavailable, msg)
	case status == http.StatusUnauthorized:
		return dErrors.New(dErrors.CodeUnauthorized, msg)
	case envelope.Error != "":
		return dErrors.New(dErrors.Code(envelope.Error), msg)
	case status == http.StatusNotFound:
		return dErrors.New(dErrors.CodeNotFound, msg)
	default:
		return dErrors.New(dErrors.CodeBadRequest, msg)
	}
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		return token, nil
	}
	res, err := c.Login(ctx)
	if err != nil {
		return "", err
	}
	return res.AccessToken, nil
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// Token returns the bearer token currently held.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

