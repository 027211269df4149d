package plugins

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/OpenCuff/OpenCuff/config"
)

const maxResponseBody = 16 * 1024 * 1024

// HTTPAdapter talks to a plugin running as a remote HTTP service. Transport
// failures and 5xx responses clear the initialized flag so the next call
// re-runs /initialize first. 4xx responses are returned to the caller as
// they are.
type HTTPAdapter struct {
	name       string
	endpoint   string
	headers    map[string]string
	retryCount int
	retryDelay time.Duration
	client     *http.Client
	logger     *zap.Logger

	mu          sync.Mutex
	initialized bool
	config      map[string]any
}

func NewHTTPAdapter(name string, cfg config.PluginConfig, logger *zap.Logger) *HTTPAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	hs := cfg.HTTPSettings

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !hs.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &HTTPAdapter{
		name:       name,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		headers:    hs.Headers,
		retryCount: hs.RetryCount,
		retryDelay: hs.Delay(),
		client: &http.Client{
			Timeout:   hs.RequestTimeout(),
			Transport: transport,
		},
		logger: logger,
	}
}

// Initialized reports whether the remote side is believed to be initialized.
func (a *HTTPAdapter) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized
}

func (a *HTTPAdapter) reset() {
	a.mu.Lock()
	a.initialized = false
	a.mu.Unlock()
}

// httpStatusError is returned for any non-2xx response.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("HTTP %d", e.status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

// do performs one request and decodes a 2xx JSON body into out.
func (a *HTTPAdapter) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return WrapError(ErrProtocol, a.name, err, "encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.endpoint+path, body)
	if err != nil {
		return WrapError(ErrCommunication, a.name, err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return WrapError(ErrTimeout, a.name, err, "%s %s", method, path)
		}
		return WrapError(ErrCommunication, a.name, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return WrapError(ErrCommunication, a.name, err, "read %s %s", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpStatusError{status: resp.StatusCode, body: errorText(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return WrapError(ErrProtocol, a.name, err, "decode %s %s", method, path)
		}
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}

// errorText extracts {"error": "..."} from a body, or returns the raw text.
func errorText(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Error != "":
			return payload.Error
		case payload.Message != "":
			return payload.Message
		}
	}
	return truncate(strings.TrimSpace(string(body)), 200)
}

// resetOnFailure applies the re-initialization rule and converts err into a
// PluginError. A nil return means err was a 4xx.
func (a *HTTPAdapter) resetOnFailure(err error) error {
	var se *httpStatusError
	if errors.As(err, &se) {
		if se.status >= 500 {
			a.reset()
			return WrapError(ErrCommunication, a.name, se, "server error")
		}
		return nil
	}
	a.reset()
	if _, ok := err.(*PluginError); ok {
		return err
	}
	return WrapError(ErrCommunication, a.name, err, "request failed")
}

func (a *HTTPAdapter) initialize(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.config
	a.mu.Unlock()

	var out httpInitializeResponse
	if err := a.do(ctx, http.MethodPost, "/initialize", httpInitializeRequest{Config: cfg}, &out); err != nil {
		var se *httpStatusError
		if errors.As(err, &se) && se.status < 500 {
			return WrapError(ErrInitFailed, a.name, se, "initialize rejected")
		}
		return err
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = "remote plugin reported initialization failure"
		}
		return NewError(ErrInitFailed, a.name, "%s", msg)
	}

	a.mu.Lock()
	a.initialized = true
	a.mu.Unlock()
	a.logger.Debug("remote plugin initialized", zap.String("endpoint", a.endpoint))
	return nil
}

// ensureInitialized re-runs /initialize when a previous failure cleared the
// flag. Transport failures are retried retry_count times, retry_delay apart.
func (a *HTTPAdapter) ensureInitialized(ctx context.Context) error {
	if a.Initialized() {
		return nil
	}

	var b backoff.BackOff = backoff.WithMaxRetries(backoff.NewConstantBackOff(a.retryDelay), uint64(a.retryCount))
	b = backoff.WithContext(b, ctx)

	return backoff.Retry(func() error {
		err := a.initialize(ctx)
		if err != nil && IsCode(err, ErrInitFailed) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (a *HTTPAdapter) Initialize(ctx context.Context, cfg map[string]any) error {
	a.mu.Lock()
	a.config = cfg
	a.initialized = false
	a.mu.Unlock()

	if err := a.initialize(ctx); err != nil {
		if IsCode(err, ErrInitFailed) {
			return err
		}
		return WrapError(ErrInitFailed, a.name, err, "initialize")
	}
	return nil
}

func (a *HTTPAdapter) GetTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := a.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	var out httpToolsResponse
	if err := a.do(ctx, http.MethodGet, "/tools", nil, &out); err != nil {
		if perr := a.resetOnFailure(err); perr != nil {
			return nil, perr
		}
		return nil, WrapError(ErrLoadFailed, a.name, err, "list tools")
	}
	return out.Tools, nil
}

func (a *HTTPAdapter) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	if err := a.ensureInitialized(ctx); err != nil {
		return ToolResult{}, WrapError(CodeOf(err), a.name, err, "re-initialize before %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}

	var out httpCallResponse
	err := a.do(ctx, http.MethodPost, "/tools/"+url.PathEscape(name), httpCallRequest{Arguments: args}, &out)
	if err != nil {
		if perr := a.resetOnFailure(err); perr != nil {
			return ToolResult{}, perr
		}
		return Failure(ErrToolExecutionFailed, "%s", err.Error()), nil
	}

	result := ToolResult{Success: out.Success, Data: out.Data, Error: out.Error}
	if !result.Success {
		result.Code = ErrToolExecutionFailed
		if result.Error == "" {
			result.Error = "tool reported failure"
		}
	}
	return result, nil
}

func (a *HTTPAdapter) HealthCheck(ctx context.Context) (bool, error) {
	var out httpHealthResponse
	if err := a.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		if perr := a.resetOnFailure(err); perr != nil {
			return false, perr
		}
		return false, WrapError(ErrHealthCheckFailed, a.name, err, "health")
	}
	return out.Healthy, nil
}

func (a *HTTPAdapter) Shutdown(ctx context.Context) error {
	a.reset()
	a.client.CloseIdleConnections()
	return nil
}
