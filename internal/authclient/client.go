// Package authclient issues HTTP requests that need a valid session cookie.
//
// A 401 triggers one refresh of the session. Concurrent callers that hit a
// 401 while a refresh is running wait on that same refresh instead of
// starting their own, and every caller retries its request exactly once
// afterwards.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshPath       = "/api/auth/refresh_token"
	DefaultRefreshTimeout    = 30 * time.Second
	DefaultRefreshMaxElapsed = 10 * time.Second

	refreshKey = "refresh"
)

// Doer is the request-issuing primitive the client sits on.
// *http.Client satisfies it. It must not carry its own cookie jar; the
// Client attaches and stores cookies itself.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options are merged into every outgoing request.
type Options struct {
	Method      string
	Header      http.Header
	Body        []byte
	ContentType string
}

// JSON builds Options carrying v as a JSON body.
func JSON(method string, v any) (Options, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Options{}, fmt.Errorf("encoding request body: %w", err)
	}
	return Options{Method: method, Body: body, ContentType: "application/json"}, nil
}

// Form builds Options carrying an urlencoded form body.
func Form(method string, values url.Values) Options {
	return Options{
		Method:      method,
		Body:        []byte(values.Encode()),
		ContentType: "application/x-www-form-urlencoded",
	}
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) IsNoContent() bool {
	return r.StatusCode == http.StatusNoContent
}

type Client struct {
	baseURL *url.URL
	doer    Doer
	jar     http.CookieJar
	logger  *slog.Logger

	refreshPath       string
	refreshTimeout    time.Duration
	refreshMaxElapsed time.Duration

	// refreshGroup is the in-flight refresh marker. singleflight forgets the
	// key as soon as the refresh settles, so the next 401 starts a new one.
	refreshGroup singleflight.Group
	refreshes    atomic.Int64
}

type Option func(*Client)

func WithDoer(d Doer) Option {
	return func(c *Client) { c.doer = d }
}

// WithJar shares a cookie jar, e.g. with the socket dialer.
func WithJar(jar http.CookieJar) Option {
	return func(c *Client) { c.jar = jar }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithRefreshPath(path string) Option {
	return func(c *Client) { c.refreshPath = path }
}

// WithRefreshTimeout bounds how long waiters can be blocked by one refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) { c.refreshTimeout = d }
}

// WithRefreshBackoff sets how long transient refresh failures are retried.
// Zero disables retries.
func WithRefreshBackoff(maxElapsed time.Duration) Option {
	return func(c *Client) { c.refreshMaxElapsed = maxElapsed }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL:           u,
		refreshPath:       DefaultRefreshPath,
		refreshTimeout:    DefaultRefreshTimeout,
		refreshMaxElapsed: DefaultRefreshMaxElapsed,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.doer == nil {
		c.doer = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.jar == nil {
		jar, err := NewJar()
		if err != nil {
			return nil, err
		}
		c.jar = jar
	}
	return c, nil
}

// NewJar returns the cookie jar used when none is supplied.
func NewJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return jar, nil
}

func (c *Client) Jar() http.CookieJar {
	return c.jar
}

func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// RefreshCount reports how many refresh operations have been started.
func (c *Client) RefreshCount() int64 {
	return c.refreshes.Load()
}

// Do issues the request and recovers from a 401 with one shared refresh
// followed by exactly one retry. A retry that is again unauthorized is
// returned as a RequestError without refreshing again.
func (c *Client) Do(ctx context.Context, path string, opts Options) (*Response, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, target, opts)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Info("auth token expired or missing, refreshing", "url", target.String())
		if err := c.awaitRefresh(ctx); err != nil {
			return nil, err
		}

		c.logger.Debug("token refreshed, retrying request", "url", target.String())
		resp, err = c.send(ctx, target, opts)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newRequestError(resp)
	}
	return resp, nil
}

// DoPublic issues the request once with the session cookies attached but
// never refreshes. Endpoints that establish the session (login, register)
// go through here, so bad credentials surface as a plain 401.
func (c *Client) DoPublic(ctx context.Context, path string, opts Options) (*Response, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newRequestError(resp)
	}
	return resp, nil
}

// Issue runs Do and decodes the JSON body into T. A 204 yields nil, nil.
func Issue[T any](ctx context.Context, c *Client, path string, opts Options) (*T, error) {
	resp, err := c.Do(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	if resp.IsNoContent() {
		return nil, nil
	}

	var out T
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return &out, nil
}

// awaitRefresh joins the in-flight refresh or starts one. The refresh itself
// runs detached from ctx: a caller that gives up returns ctx.Err() while the
// refresh still settles and clears its marker.
func (c *Client) awaitRefresh(ctx context.Context) error {
	ch := c.refreshGroup.DoChan(refreshKey, func() (any, error) {
		return nil, c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) refresh(parent context.Context) error {
	c.refreshes.Add(1)

	ctx, cancel := context.WithTimeout(parent, c.refreshTimeout)
	defer cancel()

	target, err := c.resolve(c.refreshPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	attempt := func() error {
		resp, err := c.send(ctx, target, Options{Method: http.MethodPost})
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return nil
		case resp.StatusCode >= 500:
			return newRequestError(resp)
		default:
			return backoff.Permanent(newRequestError(resp))
		}
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.refreshMaxElapsed > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 100 * time.Millisecond
		exp.MaxElapsedTime = c.refreshMaxElapsed
		policy = exp
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("token refresh failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), notify); err != nil {
		c.logger.Warn("token refresh failed", "error", err)
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return nil
}

// send issues one request with the session cookies attached and stores any
// cookies the server sets.
func (c *Client) send(ctx context.Context, target *url.URL, opts Options) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	for _, ck := range c.jar.Cookies(target) {
		req.AddCookie(ck)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if cookies := resp.Cookies(); len(cookies) > 0 {
		c.jar.SetCookies(target, cookies)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (c *Client) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parsing request path %q: %w", path, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

// IsSessionExpired reports whether err means the user must log in again.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
