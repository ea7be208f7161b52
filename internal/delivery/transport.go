package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/austindbirch/hookrelay/internal/tracing"
)

// Outbound header names.
const (
	SignatureHeader      = "X-Hookrelay-Signature"       // hex HMAC-SHA256 of the body
	SubscriptionIDHeader = "X-Hookrelay-Subscription-Id" // subscription the delivery belongs to
	EventTypeHeader      = "X-Hookrelay-Event"           // event type
	DeliveryIDHeader     = "X-Hookrelay-Delivery-Id"     // stable across retries
	RetryCountHeader     = "X-Hookrelay-Retry-Count"     // attempts made before this one
)

// maxResponseRead bounds how much of a receiver's response body is read.
const maxResponseRead = 64 << 10

// Header is a single outbound header.
type Header struct {
	Name  string
	Value string
}

// HeaderSet is an ordered list of outbound headers.
type HeaderSet []Header

// Get returns the first value for name, or "".
func (h HeaderSet) Get(name string) string {
	for _, kv := range h {
		if http.CanonicalHeaderKey(kv.Name) == http.CanonicalHeaderKey(name) {
			return kv.Value
		}
	}
	return ""
}

// Request is one outbound POST.
type Request struct {
	URL     string
	Body    []byte
	Headers HeaderSet
	Timeout time.Duration
}

// Response is what the receiver answered.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport performs the outbound HTTP call. A non-nil error means no
// response was received (timeout, connection refused, DNS failure, ...).
type Transport interface {
	Post(ctx context.Context, req Request) (*Response, error)
}

// HTTPTransport is a Transport backed by net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport wraps client. A nil client uses a fresh http.Client; the
// per-request timeout always comes from Request.Timeout.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// Post sends req and reads at most 64KiB of the response body.
func (t *HTTPTransport) Post(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for _, h := range req.Headers {
		httpReq.Header.Set(h.Name, h.Value)
	}
	tracing.InjectHTTP(ctx, httpReq.Header)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseRead))
	if err != nil {
		// The status line arrived; a broken body still counts as a response.
		return &Response{StatusCode: resp.StatusCode}, nil
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
