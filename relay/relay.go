// Package relay dispatches provider requests: HTTP calls through an optional
// outbound proxy, and local AI command-line tools run as subprocesses. Every
// dispatch carries its own timeout, independent of the run that issued it.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultTimeout applies when a request does not set one.
const DefaultTimeout = 300 * time.Second

// maxResponseBytes is the largest response body accepted. Larger bodies
// fail with ErrTransport.
const maxResponseBytes = 32 << 20

var (
	// ErrTimeout is returned when a dispatch exceeds its own timeout.
	ErrTimeout = errors.New("request timed out")
	// ErrTransport wraps network and process spawn failures.
	ErrTransport = errors.New("transport failure")
)

var tracer = otel.Tracer("github.com/minios-linux/sitekit/relay")

// ---------------------------------------------------------------------------
// HTTP relay
// ---------------------------------------------------------------------------

// Request is one outbound HTTP call.
type Request struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     []byte            `json:"body,omitempty"`
	ProxyURL string            `json:"proxyUrl,omitempty"`
	Timeout  time.Duration     `json:"-"`
}

// Response is the relayed status and body. Non-2xx statuses are not errors.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"-"`
	Body   []byte      `json:"body"`
}

// Client POSTs relay requests.
type Client struct {
	logger  *zap.Logger
	maxBody int64
}

// NewClient returns a relay client. A nil logger disables logging.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{logger: logger, maxBody: maxResponseBytes}
}

// makeHTTPClient builds a client with an explicit proxy, or the
// HTTP_PROXY/HTTPS_PROXY environment when proxyURL is empty.
func makeHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy URL %q", proxyURL)
		}
		transport.Proxy = http.ProxyURL(parsed)
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// Do sends req and returns whatever the endpoint answered.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Endpoint) == "" {
		return Response{}, fmt.Errorf("relay: endpoint is required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, span := tracer.Start(ctx, "relay.http", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("http.url", redactURL(req.Endpoint)))

	client, err := makeHTTPClient(req.ProxyURL, timeout)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, fmt.Errorf("relay: creating request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if isTimeout(ctx, err) {
			return Response{}, fmt.Errorf("%w after %v: %s", ErrTimeout, timeout, redactURL(req.Endpoint))
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if isTimeout(ctx, err) {
			return Response{}, fmt.Errorf("%w reading response after %v", ErrTimeout, timeout)
		}
		return Response{}, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}
	if int64(len(body)) > c.maxBody {
		span.SetStatus(codes.Error, "response too large")
		return Response{}, fmt.Errorf("%w: response body exceeds %d bytes", ErrTransport, c.maxBody)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("relay call",
		zap.String("endpoint", redactURL(req.Endpoint)),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)),
	)

	return Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// redactURL drops the query string, which may carry API keys.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
