package client

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

	"github.com/rs/zerolog"
)

// StatusError is a non-2xx answer from a collaborator.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status code: %d body=%q", e.Method, e.Path, e.Code, e.Body)
}

func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// transient reports connection failures, 429 and 5xx.
func transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

type httpClient struct {
	base     string
	hc       *http.Client
	token    string
	agent    string
	attempts int
	backoff  time.Duration
	log      zerolog.Logger
}

func newHTTPClient(base, token, agent string, timeout time.Duration, attempts int, log zerolog.Logger) *httpClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &httpClient{
		base:     strings.TrimRight(base, "/"),
		hc:       &http.Client{Timeout: timeout},
		token:    token,
		agent:    agent,
		attempts: attempts,
		backoff:  500 * time.Millisecond,
		log:      log,
	}
}

type call struct {
	method string
	path   string
	query  url.Values
	in     any
	out    any
	token  string
}

func (c *httpClient) do(ctx context.Context, cl call) error {
	var body []byte
	if cl.in != nil {
		b, err := json.Marshal(cl.in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", cl.method, cl.path, err)
		}
		body = b
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		err := c.once(ctx, cl, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !transient(err) {
			return err
		}
		c.log.Warn().Err(err).Str("path", cl.path).Int("attempt", attempt+1).Msg("transient request failure")
	}
	return lastErr
}

func (c *httpClient) once(ctx context.Context, cl call, body []byte) error {
	u := c.base + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}
	token := c.token
	if cl.token != "" {
		token = cl.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: cl.method, Path: cl.path, Code: resp.StatusCode, Body: string(raw)}
	}
	if cl.out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, cl.out); err != nil {
		return fmt.Errorf("failed to decode json: %w body=%q", err, string(raw))
	}
	return nil
}
