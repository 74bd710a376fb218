package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v81/github"
	"golang.org/x/oauth2"
)

// Client bundles the go-github client with the http.Client it was built on, so
// raw requests (for example the /rate_limit refresh) share the same transport
// chain.
type Client struct {
	Client *github.Client
	HTTP   *http.Client
}

type options struct {
	logger     *slog.Logger
	verbose    bool
	middleware []func(http.RoundTripper) http.RoundTripper
	baseURL    string
	base       http.RoundTripper
}

type Option func(*options)

// WithLogger enables per-request debug tracing on logger when verbose is true.
func WithLogger(logger *slog.Logger, verbose bool) Option {
	return func(o *options) {
		o.logger = logger
		o.verbose = verbose
	}
}

// WithMiddleware inserts a RoundTripper between authentication and the
// network. Middleware is applied in the order given; the first one sees the
// request first.
func WithMiddleware(mw func(http.RoundTripper) http.RoundTripper) Option {
	return func(o *options) {
		if mw != nil {
			o.middleware = append(o.middleware, mw)
		}
	}
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(raw string) Option {
	return func(o *options) {
		o.baseURL = raw
	}
}

// WithTransport replaces http.DefaultTransport as the innermost transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.base = rt
	}
}

// loggingRoundTripper wraps an underlying transport and emits one debug record
// per request and response (including latency).
type loggingRoundTripper struct {
	base   http.RoundTripper
	logger *slog.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	t.logger.Debug("github api request", "method", req.Method, "url", req.URL.String())
	resp, err := t.base.RoundTrip(req)
	dur := time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		t.logger.Debug("github api error", "method", req.Method, "url", req.URL.String(), "duration", dur, "error", err)
	} else {
		t.logger.Debug("github api response",
			"method", req.Method,
			"url", req.URL.String(),
			"status", resp.StatusCode,
			"remaining", resp.Header.Get("X-RateLimit-Remaining"),
			"duration", dur,
		)
	}
	return resp, err
}

// NewClient builds a go-github client. The transport chain is, outermost
// first: oauth2 (when token is set), middleware, verbose logging, base.
func NewClient(ctx context.Context, token string, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("github client: ctx is nil")
	}

	o := &options{}
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	transport := o.base
	if transport == nil {
		transport = http.DefaultTransport
	}
	if o.verbose {
		transport = &loggingRoundTripper{base: transport, logger: o.logger}
	}
	for i := len(o.middleware) - 1; i >= 0; i-- {
		transport = o.middleware[i](transport)
	}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}
	// Always provide an http.Client so middleware runs even without a token.
	tc := &http.Client{Transport: transport}

	gh := github.NewClient(tc)
	if o.baseURL != "" {
		u, err := url.Parse(strings.TrimRight(o.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github client: invalid base url %q: %w", o.baseURL, err)
		}
		gh.BaseURL = u
		gh.UploadURL = u
	}

	return &Client{
		Client: gh,
		HTTP:   tc,
	}, nil
}
