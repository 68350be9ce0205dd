// Package transport is the HTTP layer every CalDAV request flows through:
// Basic/Digest auth, HTTP/1.1+HTTP/2, bounded redirect
// following, and retry-with-backoff. It never interprets response bodies —
// that's internal/codec's job — only status codes and headers.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/rs/zerolog"
	"github.com/sonroyaalmerol/caldav-sync/internal/config"
	"github.com/sonroyaalmerol/caldav-sync/internal/synerr"
)

// Credentials is the minimal identity the transport needs to authenticate;
// internal/credstore is responsible for producing one.
type Credentials struct {
	Username string
	Password string
}

// idempotentMethods is the set of verbs the redirect handler is allowed to
// auto-follow; PUT/DELETE are never redirected automatically since their
// preconditions would need re-evaluating against the new location.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	"PROPFIND":         true,
	"REPORT":           true,
	http.MethodOptions: true,
}

// Client issues authenticated, retried CalDAV requests.
type Client struct {
	http           *http.Client
	httpNoRedirect *http.Client
	cfg            config.TransportConfig
	creds          Credentials
	digest         *digestState
	log            zerolog.Logger
}

// New builds a Client. creds may be zero-value if the server only needs
// unauthenticated discovery probes; with a username set, Basic is sent on
// every request until a 401 Digest challenge switches the client to Digest.
func New(cfg config.TransportConfig, creds Credentials, log zerolog.Logger) *Client {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.TrustInsecure}, //nolint:gosec
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		log.Warn().Err(err).Msg("transport: http2 not configured, falling back to HTTP/1.1 only")
	}

	c := &Client{
		cfg:    cfg,
		creds:  creds,
		digest: &digestState{},
		log:    log,
	}
	c.http = &http.Client{
		Transport: tr,
		Timeout:   cfg.ReadTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("transport: stopped after %d redirects", cfg.MaxRedirects)
			}
			if !idempotentMethods[via[0].Method] {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	c.httpNoRedirect = &http.Client{
		Transport:     tr,
		Timeout:       cfg.ReadTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return c
}

// Request is one outgoing CalDAV call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// NoRedirect disables automatic redirect following for this call: used
	// only by discovery's well-known/principal probes, which must see the
	// first response (including a bare 3xx) rather than have it silently
	// resolved.
	NoRedirect bool
}

// Response is the retained, fully-buffered result of one call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Do issues req, retrying transient failures per the configured backoff
// policy: network errors, 5xx other than 501, and 429 are retryable; PUT/DELETE
// are only retried when the request carries an If-Match/If-None-Match
// precondition, since blindly retrying a non-idempotent write without one
// risks double-applying it.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if !c.safeToRetry(req) {
		return c.doOnce(ctx, req, false)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err := c.doOnce(ctx, req, false)
		if err == nil && !c.retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && !synerr.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == c.cfg.MaxRetries {
			if err != nil {
				return nil, err
			}
			return resp, nil
		}

		delay := c.backoffDelay(attempt, retryAfterFromResponse(resp))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) safeToRetry(req Request) bool {
	switch req.Method {
	case http.MethodPut, http.MethodDelete:
		_, hasIfMatch := req.Headers["If-Match"]
		_, hasIfNoneMatch := req.Headers["If-None-Match"]
		return hasIfMatch || hasIfNoneMatch
	default:
		return true
	}
}

func (c *Client) retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests:
		return true
	case code >= 500 && code != http.StatusNotImplemented:
		return true
	default:
		return false
	}
}

func (c *Client) backoffDelay(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}
	delay := time.Duration(float64(c.cfg.RetryBaseDelay) * math.Pow(c.cfg.RetryFactor, float64(attempt)))
	if delay > c.cfg.RetryCap {
		delay = c.cfg.RetryCap
	}
	jitterFactor := 1 - c.cfg.RetryJitter + rand.Float64()*2*c.cfg.RetryJitter
	return time.Duration(float64(delay) * jitterFactor)
}

func retryAfterFromResponse(resp *Response) *time.Duration {
	if resp == nil {
		return nil
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds >= 0 {
		d := time.Duration(seconds) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// doOnce issues req exactly once, except for the single digest-auth replay:
// a 401 carrying a Digest challenge is absorbed and the request re-sent with
// an Authorization header, at most once per call. A second 401 after that
// replay means the credentials themselves are bad.
func (c *Client) doOnce(ctx context.Context, req Request, authReplayed bool) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, synerr.New(synerr.InternalInvariant, false, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	c.applyAuth(httpReq)

	httpClient := c.http
	if req.NoRedirect {
		httpClient = c.httpNoRedirect
	}
	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err).WithResource(req.URL)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, synerr.New(synerr.NetworkTimeout, true, err).WithResource(req.URL)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}

	if httpResp.StatusCode == http.StatusUnauthorized && c.creds.Username != "" {
		if authReplayed {
			return nil, synerr.New(synerr.AuthInvalidCredentials, false,
				fmt.Errorf("transport: %s %s still unauthorized after digest replay", req.Method, req.URL)).WithResource(req.URL)
		}
		if c.digest.absorbChallenge(httpResp.Header.Get("WWW-Authenticate")) {
			return c.doOnce(ctx, req, true)
		}
	}

	return resp, nil
}

func (c *Client) applyAuth(r *http.Request) {
	if c.creds.Username == "" {
		return
	}
	if c.digest.challenged {
		r.Header.Set("Authorization", c.digest.authorizationHeader(r.Method, r.URL.RequestURI(), c.creds))
		return
	}
	r.SetBasicAuth(c.creds.Username, c.creds.Password)
}

func classifyTransportError(err error) *synerr.Error {
	var urlErr *url.Error
	if u, ok := err.(*url.Error); ok {
		urlErr = u
		if urlErr.Timeout() {
			return synerr.New(synerr.NetworkTimeout, true, err)
		}
	}
	return synerr.New(synerr.NetworkOffline, true, err)
}
