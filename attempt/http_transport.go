package attempt

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPTransport dispatches RequestDescriptors over net/http, translating
// the descriptor into a *http.Request and the response (or error) back
// into a TransportResponse/TransportError. Its RoundTripper is wrapped
// with otelhttp.NewTransport, so every dispatch gets an outbound span and
// W3C trace-context propagation to the downstream service for free,
// grounded on itsneelabh/gomind's telemetry.NewTracedHTTPClient.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds an HTTPTransport whose RoundTripper is base
// (http.DefaultTransport if nil) instrumented with otelhttp. timeout, if
// positive, bounds the whole round trip independent of any
// Config.ExecutionTimeout the caller also sets on the Attempt Loop.
func NewHTTPTransport(base http.RoundTripper, timeout time.Duration) *HTTPTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &HTTPTransport{
		client: &http.Client{
			Transport: otelhttp.NewTransport(base),
			Timeout:   timeout,
		},
	}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, req *RequestDescriptor) (*TransportResponse, error) {
	httpReq, err := buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, &TransportError{Message: fmt.Sprintf("building request: %v", err), Code: "EINVAL"}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Message: err.Error(), Code: classifyNetError(err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	data := decodeBody(resp.Header.Get("Content-Type"), body)

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	if resp.StatusCode >= 400 {
		return nil, &TransportError{
			Message:  fmt.Sprintf("http %d: %s", resp.StatusCode, resp.Status),
			Response: &TransportErrorResponse{Status: resp.StatusCode, Data: data},
		}
	}

	return &TransportResponse{Status: resp.StatusCode, Data: data, StatusText: resp.Status, Headers: headers}, nil
}

func buildHTTPRequest(ctx context.Context, req *RequestDescriptor) (*http.Request, error) {
	proto := req.Protocol
	if proto == "" {
		proto = "http"
	}
	port := req.Port
	if port == 0 {
		if proto == "https" {
			port = 443
		} else {
			port = 80
		}
	}

	u := url.URL{Scheme: proto, Host: fmt.Sprintf("%s:%d", req.Host, port), Path: req.Path}
	if len(req.Query) > 0 {
		q := url.Values{}
		for k, v := range req.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if bodyReader != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func decodeBody(contentType string, body []byte) interface{} {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v interface{}
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

// classifyNetError maps a net/http dispatch error to the network error
// codes spec.md §6 names (ECONNRESET, ETIMEDOUT, ECONNREFUSED, ENOTFOUND),
// so classifyError's retryable-network-code table applies to real HTTP
// failures, not just transport fakes.
func classifyNetError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection reset"):
		return "ECONNRESET"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "Timeout"):
		return "ETIMEDOUT"
	case strings.Contains(msg, "connection refused"):
		return "ECONNREFUSED"
	case strings.Contains(msg, "no such host"):
		return "ENOTFOUND"
	default:
		return ""
	}
}
