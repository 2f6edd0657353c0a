package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kloudcover/anywhere-mesh/internal/httpforward"
	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

// Forwarder executes a ProxyRequestForward against the agent's local
// service and turns whatever happens — success, local 5xx, or a
// connection error — into a ProxyResponse. Unlike the edge side, there
// is no header whitelist here, and any local error becomes a 502
// response rather than propagating to the caller.
type Forwarder struct {
	localEndpoint string
	httpClient    *http.Client
}

// NewForwarder builds a Forwarder targeting localEndpoint (e.g.
// "http://localhost:3000").
func NewForwarder(localEndpoint string, timeout time.Duration) *Forwarder {
	return &Forwarder{
		localEndpoint: strings.TrimSuffix(localEndpoint, "/"),
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// Forward executes req against the local service and always returns a
// well-formed ProxyResponse message, never an error.
func (f *Forwarder) Forward(ctx context.Context, req *meshproto.Message) *meshproto.Message {
	url := f.localEndpoint + req.Path

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return errorProxyResponse(req.ID, err)
	}
	srcHeaders := make(http.Header, len(req.Headers))
	for name, value := range req.Headers {
		srcHeaders.Set(name, value)
	}
	httpforward.CopyHeaders(httpReq.Header, srcHeaders)

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("local forward failed", "method", req.Method, "path", req.Path, "error", err)
		return errorProxyResponse(req.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("reading local response body failed", "error", err)
		return errorProxyResponse(req.ID, err)
	}

	headerList := make([]meshproto.HeaderPair, 0, len(resp.Header))
	respHeaders := http.Header{}
	httpforward.CopyResponseHeaders(respHeaders, resp.Header)
	for name, values := range respHeaders {
		for _, v := range values {
			headerList = append(headerList, meshproto.HeaderPair{Name: name, Value: v})
		}
	}

	return &meshproto.Message{
		Type:       meshproto.KindProxyResponse,
		ID:         req.ID,
		StatusCode: resp.StatusCode,
		HeaderList: headerList,
		Body:       body,
	}
}

func errorProxyResponse(id string, err error) *meshproto.Message {
	body := []byte(fmt.Sprintf("bad gateway: %s", err))
	return &meshproto.Message{
		Type:       meshproto.KindProxyResponse,
		ID:         id,
		StatusCode: http.StatusBadGateway,
		HeaderList: []meshproto.HeaderPair{{Name: "Content-Type", Value: "text/plain"}},
		Body:       body,
	}
}

// CheckLocalHealth performs a lightweight GET against the local
// service's health-check path, returning false (and logging, not
// erroring) on any failure: an unreachable local service counts as
// "unhealthy" rather than as a fatal condition.
func (f *Forwarder) CheckLocalHealth(ctx context.Context, path string) bool {
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.localEndpoint+path, nil)
	if err != nil {
		slog.Warn("health check request build failed", "error", err)
		return false
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		slog.Warn("local health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
