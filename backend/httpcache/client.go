// Package httpcache speaks a small JSON-over-HTTP cache protocol.
//
// Client is a Backend for a remote cache service. Handler serves any Backend
// over the same protocol, which lets workers without direct store credentials
// share a cache through one process that has them.
//
// Protocol:
//
//	GET    /cache/{key}  200 {"value": <base64>, "found": true} | 404
//	POST   /cache        {"key": ..., "value": <base64>, "ttl_seconds": n} -> 201
//	DELETE /cache/{key}  204 | 404
//
// Failures carry an errors.ErrorResponse body.
package httpcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/runcache/backend"
)

const defaultTimeout = 30 * time.Second

type setRequest struct {
	Key        string `json:"key"`
	Value      []byte `json:"value"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type getResponse struct {
	Value []byte `json:"value"`
	Found bool   `json:"found"`
}

// Client is a Backend that talks to a remote cache service.
type Client struct {
	baseURL string
	token   string
	ttl     time.Duration
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTTL asks the service to expire entries after ttl. Services that do not
// support expiry ignore it.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.ttl = ttl
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// NewClient returns a Client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "cache service URL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeInvalidConfig, "invalid cache service URL", map[string]interface{}{
			"url": baseURL,
		})
	}

	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) keyURL(key string) string {
	return fmt.Sprintf("%s/cache/%s", c.baseURL, url.PathEscape(key))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

// Put stores payload under key.
func (c *Client) Put(ctx context.Context, key string, payload []byte) error {
	if key == "" {
		return backend.InvalidKey(key, "key is empty")
	}
	if payload == nil {
		payload = []byte{}
	}

	encoded, err := json.Marshal(setRequest{
		Key:        key,
		Value:      payload,
		TTLSeconds: int64(c.ttl.Seconds()),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode cache request")
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/cache", encoded)
	if err != nil {
		return backend.Unavailable(backend.OpPut, key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return statusError(backend.OpPut, key, resp)
	}
	return nil
}

// Get fetches key. A 404 is a miss.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, backend.InvalidKey(key, "key is empty")
	}

	resp, err := c.do(ctx, http.MethodGet, c.keyURL(key), nil)
	if err != nil {
		return nil, false, backend.Unavailable(backend.OpGet, key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, statusError(backend.OpGet, key, resp)
	}

	var payload getResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, backend.Unavailable(backend.OpGet, key, err)
	}
	if !payload.Found {
		return nil, false, nil
	}
	if payload.Value == nil {
		payload.Value = []byte{}
	}
	return payload.Value, true, nil
}

// Delete removes key. A 404 counts as success.
func (c *Client) Delete(ctx context.Context, key string) error {
	if key == "" {
		return backend.InvalidKey(key, "key is empty")
	}

	resp, err := c.do(ctx, http.MethodDelete, c.keyURL(key), nil)
	if err != nil {
		return backend.Unavailable(backend.OpDelete, key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return statusError(backend.OpDelete, key, resp)
}

// statusError converts a non-success response into a backend error, using
// the service's ErrorResponse body when present.
func statusError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var cause error
	var er errors.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Code != "" {
		cause = errors.New(errors.ErrorCode(er.Code), er.Message)
	} else {
		cause = fmt.Errorf("cache %s status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return backend.Fail(errors.CodeInvalidInput, op, key, cause)
	case http.StatusUnauthorized:
		return backend.Fail(errors.CodeUnauthorized, op, key, cause)
	case http.StatusForbidden:
		return backend.Fail(errors.CodeForbidden, op, key, cause)
	}
	return backend.Unavailable(op, key, cause)
}
