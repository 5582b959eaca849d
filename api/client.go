// Package api is a small JSON client for the relay's admin endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/agentuity/go-relay/logger"
	"github.com/cockroachdb/errors"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

const (
	defaultRetries = 5
	defaultBackoff = 150 * time.Millisecond
	defaultTimeout = 10 * time.Second
)

type Client struct {
	ctx     context.Context
	baseURL string
	client  *http.Client
	logger  logger.Logger
	retries int
	backoff time.Duration
}

// Error describes a failed request. Status is 0 when no response arrived.
type Error struct {
	URL      string
	Method   string
	Status   int
	Body     string
	TheError error
}

func (e *Error) Error() string {
	if e == nil || e.TheError == nil {
		return ""
	}
	return e.TheError.Error()
}

func (e *Error) Unwrap() error {
	return e.TheError
}

func NewError(url, method string, status int, body string, err error) *Error {
	return &Error{
		URL:      url,
		Method:   method,
		Status:   status,
		Body:     body,
		TheError: err,
	}
}

type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after 10s.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithRetry sets how many attempts a request gets and the first backoff;
// each later backoff doubles.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.retries = attempts
		}
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// New returns a client for baseURL. A bare host:port is given the http scheme.
func New(ctx context.Context, logger logger.Logger, baseURL string, opts ...Option) *Client {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	c := &Client{
		ctx:     ctx,
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		retries: defaultRetries,
		backoff: defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func UserAgent() string {
	gitSHA := Commit
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				gitSHA = setting.Value
			}
		}
	}
	return "Relay Admin Client/" + Version + " (" + gitSHA + ")"
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
			return true
		} else if msg := err.Error(); strings.Contains(msg, "EOF") {
			return true
		}
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			return true
		}
	}
	return false
}

// bodyPreview truncates a response body for debug logs.
func bodyPreview(body []byte, maxChars int) string {
	if len(body) > maxChars {
		return string(body[:maxChars]) + fmt.Sprintf("[truncated, total: %d bytes]", len(body))
	}
	return string(body)
}

// Do sends payload (if any) as JSON and decodes a 2xx JSON body into
// response (if any). Connection failures and 408/429/502/503/504 answers are
// retried with exponential backoff.
func (c *Client) Do(method, pathParam string, payload any, response any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return NewError(c.baseURL, method, 0, "", errors.Wrap(err, "error parsing base url"))
	}

	if i := strings.Index(pathParam, "?"); i != -1 {
		u.RawQuery = pathParam[i+1:]
		pathParam = pathParam[:i]
	}
	if pathParam != "" {
		u.Path = path.Join("/", u.Path, pathParam)
	}

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return NewError(u.String(), method, 0, "", errors.Wrap(err, "error marshalling payload"))
		}
	}
	c.logger.Trace("sending request: %s %s", method, u.String())

	var resp *http.Response
	for i := range c.retries {
		isLast := i == c.retries-1
		req, err := http.NewRequestWithContext(c.ctx, method, u.String(), bytes.NewReader(body))
		if err != nil {
			return NewError(u.String(), method, 0, "", errors.Wrap(err, "error creating request"))
		}
		req.Header.Set("User-Agent", UserAgent())
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err = c.client.Do(req)
		if shouldRetry(resp, err) && !isLast {
			c.logger.Trace("client returned retryable error, retrying...")
			if resp != nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
			// exponential backoff
			v := float64(c.backoff) * math.Pow(2, float64(i))
			select {
			case <-time.After(time.Duration(v)):
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return NewError(u.String(), method, 0, "", errors.Wrap(err, "error sending request"))
		}
		break
	}
	defer resp.Body.Close()
	c.logger.Debug("response status: %s", resp.Status)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(u.String(), method, resp.StatusCode, "", errors.Wrap(err, "error reading response body"))
	}
	c.logger.Debug("response body: %s", bodyPreview(respBody, 200))

	if resp.StatusCode > 299 {
		return NewError(u.String(), method, resp.StatusCode, string(respBody), errors.Newf("request %s %s failed with status (%s)", method, u.String(), resp.Status))
	}

	if response != nil {
		if err := json.Unmarshal(respBody, response); err != nil {
			return NewError(u.String(), method, resp.StatusCode, string(respBody), errors.Wrap(err, "error JSON decoding response"))
		}
	}
	return nil
}
