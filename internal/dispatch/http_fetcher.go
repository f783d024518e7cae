package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有上游请求；timeout <= 0 时使用 30s。
func NewUpstreamClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// maxBodyBytes 限制单个上游响应读入内存的大小。
const maxBodyBytes = 32 << 20

// HTTPFetcher 将 Request.Target 解析到上游基础地址并执行请求。
type HTTPFetcher struct {
	client *http.Client
	base   *url.URL
}

// NewHTTPFetcher 以上游基础地址构建 Fetcher，client 为空时使用 NewUpstreamClient(0)。
func NewHTTPFetcher(client *http.Client, upstream string) (*HTTPFetcher, error) {
	base, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream must be absolute: %s", upstream)
	}
	if client == nil {
		client = NewUpstreamClient(0)
	}
	return &HTTPFetcher{client: client, base: base}, nil
}

// Resolve 返回 target 在上游上的绝对地址，保留基础地址中的路径前缀。
func (f *HTTPFetcher) Resolve(target string) (*url.URL, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	resolved := *f.base
	resolved.Path = strings.TrimRight(f.base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	resolved.RawPath = ""
	resolved.RawQuery = ref.RawQuery
	resolved.Fragment = ""
	return &resolved, nil
}

func (f *HTTPFetcher) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := f.Resolve(req.Target)
	if err != nil {
		return nil, err
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = target.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if len(payload) > maxBodyBytes {
		return nil, errors.New("upstream body exceeds limit")
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Source: SourceNetwork,
	}, nil
}
