// Package graph is an authenticated Microsoft Graph client with a bounded
// 401 retry and provider error classification.
package graph

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

	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/logging"
	"github.com/pysugar/teams-sync/internal/util"
	log "github.com/sirupsen/logrus"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const maxResponseBytes = 16 << 20

// TokenSource supplies bearer tokens.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Options configure a Client.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// HTTPClient overrides the transport; its Timeout is replaced by Timeout.
	HTTPClient *http.Client
}

// Client issues Graph calls on behalf of the tenant's principal.
type Client struct {
	baseURL    *url.URL
	tokens     TokenSource
	httpClient *http.Client
	limiter    *RateLimiter
	now        func() time.Time
}

// Response is a successful (2xx) Graph response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if v == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return domain.Wrap(domain.KindProvider, "graph.decode", err)
	}
	return nil
}

// NewClient creates a Graph client.
func NewClient(tokens TokenSource, opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid graph base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	httpClient := &http.Client{}
	if opts.HTTPClient != nil {
		cp := *opts.HTTPClient
		httpClient = &cp
	}
	httpClient.Timeout = opts.Timeout

	return &Client{
		baseURL:    base,
		tokens:     tokens,
		httpClient: httpClient,
		limiter:    NewRateLimiter(opts.RequestsPerSecond, opts.Burst),
		now:        time.Now,
	}, nil
}

// retryState tracks the single permitted re-authentication of a call.
type retryState int

const (
	stateUnauthenticated retryState = iota
	stateRefreshAttempted
	stateRetried
	stateFailed
)

// Call performs method on path (relative to the base URL, or an absolute
// URL on the same host such as an @odata.nextLink). body is JSON-encoded
// unless it is nil, []byte or json.RawMessage.
func (c *Client) Call(ctx context.Context, method, path string, body any) (*Response, error) {
	op := "graph " + method
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	payload, err := encodeBody(body)
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, op, err)
	}

	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	state := stateUnauthenticated
	for {
		resp, err := c.do(ctx, method, target, payload, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return c.finish(ctx, op, target, resp)
		}

		switch state {
		case stateUnauthenticated:
			state = stateRefreshAttempted
			logging.FromContext(ctx).WithField("path", target.Path).Info("🔑 Graph rejected token, refreshing once")
			token, err = c.tokens.ForceRefresh(ctx)
			if err != nil {
				return nil, err
			}
			state = stateRetried
		case stateRetried:
			state = stateFailed
			e := classify(op, resp.StatusCode, resp.Header, resp.Body, c.now())
			e.Msg = "token rejected after refresh; re-authorization required"
			return nil, e
		}
	}
}

// CallJSON performs Call and decodes the response into out.
func (c *Client) CallJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.Call(ctx, method, path, in)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Backoff reports the remaining provider throttling window, if any.
func (c *Client) Backoff() (time.Duration, bool) {
	return c.limiter.Backoff()
}

func (c *Client) do(ctx context.Context, method string, target *url.URL, payload []byte, token string) (*Response, error) {
	op := "graph " + method
	if remaining, throttled := c.limiter.Backoff(); throttled {
		return nil, &domain.Error{Kind: domain.KindRateLimited, Op: op, Msg: "client is inside a provider throttling window", RetryAfter: remaining}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.Wrap(domain.KindTransient, op, err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := logging.GetRequestID(ctx); id != "" {
		req.Header.Set("client-request-id", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, op, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) finish(ctx context.Context, op string, target *url.URL, resp *Response) (*Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	e := classify(op, resp.StatusCode, resp.Header, resp.Body, c.now())
	if e.Kind == domain.KindRateLimited {
		e.RetryAfter = c.limiter.RecordRateLimit(e.RetryAfter)
	}
	logging.FromContext(ctx).WithFields(log.Fields{
		"url":     redactedURL(target),
		"status":  resp.StatusCode,
		"kind":    e.Kind,
		"payload": e.Payload,
	}).Warn("⚠️ Graph call failed")
	return nil, e
}

func (c *Client) resolve(path string) (*url.URL, error) {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		u, err := url.Parse(path)
		if err != nil {
			return nil, domain.Wrap(domain.KindValidation, "graph.resolve", err)
		}
		if !strings.EqualFold(u.Host, c.baseURL.Host) {
			return nil, domain.New(domain.KindValidation, "graph.resolve", "refusing to follow link to foreign host %q", u.Host)
		}
		return u, nil
	}
	u, err := url.Parse(c.baseURL.String() + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, "graph.resolve", err)
	}
	return u, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return data, nil
	}
}

// IsRateLimited reports whether err is a throttling error.
func IsRateLimited(err error) bool {
	return errors.Is(err, domain.ErrRateLimited)
}

// redactedURL renders u for logs without the query string.
func redactedURL(u *url.URL) string {
	return util.TruncateLog(u.Scheme+"://"+u.Host+u.Path, 256)
}
