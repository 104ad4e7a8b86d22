package attempt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportDoSuccessDecodesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "bar", r.URL.Query().Get("foo"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	transport := NewHTTPTransport(nil, 5*time.Second)
	req := serverRequest(t, server, "GET", "/orders")
	req.Query = map[string]string{"foo": "bar"}

	resp, err := transport.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, map[string]interface{}{"status": "ok"}, resp.Data)
}

func TestHTTPTransportDoHTTPErrorProducesTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer server.Close()

	transport := NewHTTPTransport(nil, 5*time.Second)
	req := serverRequest(t, server, "GET", "/work")

	_, err := transport.Do(context.Background(), req)
	require.Error(t, err)
	te, ok := err.(*TransportError)
	require.True(t, ok)
	require.NotNil(t, te.Response)
	assert.Equal(t, 503, te.Response.Status)
	assert.Equal(t, "overloaded", te.Response.Data)
}

func TestHTTPTransportDoDispatchFailureIsClassified(t *testing.T) {
	transport := NewHTTPTransport(nil, 50*time.Millisecond)
	req := &RequestDescriptor{Protocol: "http", Host: "127.0.0.1", Port: 1, Path: "/", Method: "GET"}

	_, err := transport.Do(context.Background(), req)
	require.Error(t, err)
	te, ok := err.(*TransportError)
	require.True(t, ok)
	assert.NotEmpty(t, te.Code)
}

func TestBuildHTTPRequestDefaultsProtocolPortAndMethod(t *testing.T) {
	req := &RequestDescriptor{Host: "example.com", Path: "/x"}
	httpReq, err := buildHTTPRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "http", httpReq.URL.Scheme)
	assert.True(t, strings.HasSuffix(httpReq.URL.Host, ":80"))
	assert.Equal(t, http.MethodGet, httpReq.Method)
}

func TestBuildHTTPRequestJSONEncodesBodyAndSetsContentType(t *testing.T) {
	req := &RequestDescriptor{Protocol: "https", Host: "example.com", Path: "/x", Method: "POST", Body: map[string]string{"a": "1"}}
	httpReq, err := buildHTTPRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "application/json", httpReq.Header.Get("Content-Type"))
	assert.Equal(t, int64(443), mustPort(t, httpReq))
}

func TestDecodeBodyFallsBackToStringForNonJSON(t *testing.T) {
	assert.Equal(t, "plain text", decodeBody("text/plain", []byte("plain text")))
	assert.Nil(t, decodeBody("application/json", nil))
}

func TestClassifyNetErrorMapsKnownMessages(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"read: connection reset by peer", "ECONNRESET"},
		{"dial tcp: i/o timeout", "ETIMEDOUT"},
		{"dial tcp: connection refused", "ECONNREFUSED"},
		{"lookup example.invalid: no such host", "ENOTFOUND"},
		{"some other failure", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyNetError(fakeErr{tc.msg}))
	}
}

type fakeErr struct{ msg string }

func (f fakeErr) Error() string { return f.msg }

func serverRequest(t *testing.T, server *httptest.Server, method, path string) *RequestDescriptor {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port := 80
	if p := u.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		require.NoError(t, err)
		port = parsed
	}
	return &RequestDescriptor{Protocol: u.Scheme, Host: u.Hostname(), Port: port, Path: path, Method: method}
}

func mustPort(t *testing.T, req *http.Request) int64 {
	t.Helper()
	parts := strings.Split(req.URL.Host, ":")
	require.Len(t, parts, 2)
	port, err := strconv.ParseInt(parts[1], 10, 64)
	require.NoError(t, err)
	return port
}
