package payments

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/go-resty/resty/v2"
)

// CallOptions carries per-request headers.
type CallOptions struct {
	Headers map[string]string
}

// Response is the normalized outcome of a successful resilient call.
type Response struct {
	Status int
	Body   []byte
}

// ResilientClient wraps outbound HTTP calls to one named downstream
// dependency in a circuit breaker around a retry policy. Retries happen
// inside a single breaker-guarded attempt, so exhausting retries counts as
// exactly one failure toward the breaker's threshold.
type ResilientClient struct {
	name    string
	http    *resty.Client
	breaker *CircuitBreaker
	retry   RetryPolicy
}

// NewResilientClient constructs a client for a downstream dependency.
func NewResilientClient(name, baseURL string, breaker *CircuitBreaker, retry RetryPolicy) *ResilientClient {
	return &ResilientClient{
		name:    name,
		http:    resty.New().SetBaseURL(baseURL),
		breaker: breaker,
		retry:   retry,
	}
}

// SetHeader sets a header on every request (e.g. provider authentication).
func (c *ResilientClient) SetHeader(key, value string) *ResilientClient {
	c.http.SetHeader(key, value)
	return c
}

// Get issues a GET to path under the client's base URL.
func (c *ResilientClient) Get(ctx context.Context, path string, opts *CallOptions) (*Response, error) {
	return c.do(ctx, resty.MethodGet, path, nil, opts)
}

// Post issues a POST with a JSON body to path under the client's base URL.
func (c *ResilientClient) Post(ctx context.Context, path string, body any, opts *CallOptions) (*Response, error) {
	return c.do(ctx, resty.MethodPost, path, body, opts)
}

func (c *ResilientClient) do(ctx context.Context, method, path string, body any, opts *CallOptions) (*Response, error) {
	var out *Response
	attempt := func(callCtx context.Context) error {
		return c.retry.Do(callCtx, func() error {
			resp, err := c.send(callCtx, method, path, body, opts)
			if err != nil {
				return err
			}
			out = resp
			return nil
		})
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ResilientClient) send(ctx context.Context, method, path string, body any, opts *CallOptions) (*Response, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if opts != nil {
		for key, value := range opts.Headers {
			req.SetHeader(key, value)
		}
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, classifyTransportError(c.name, err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 500:
		return nil, &CallError{Kind: KindServer, Status: status, Err: fmt.Errorf("%s: %s %s returned %d", c.name, method, path, status)}
	case status >= 400:
		return nil, &CallError{Kind: KindClient, Status: status, Err: fmt.Errorf("%s: %s %s returned %d", c.name, method, path, status)}
	}
	return &Response{Status: status, Body: resp.Body()}, nil
}

func classifyTransportError(name string, err error) error {
	kind := KindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &CallError{Kind: kind, Err: fmt.Errorf("%s: %w", name, err)}
}
