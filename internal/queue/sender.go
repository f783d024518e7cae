package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Ack 是服务端对一次重放的确认。
type Ack struct {
	Status int
	Body   []byte
}

// Sender 重新发出一条变更；只有返回 nil error 才视为服务端已确认。
type Sender interface {
	Send(ctx context.Context, m Mutation) (*Ack, error)
}

// SenderFunc 允许以函数充当 Sender。
type SenderFunc func(ctx context.Context, m Mutation) (*Ack, error)

func (f SenderFunc) Send(ctx context.Context, m Mutation) (*Ack, error) {
	return f(ctx, m)
}

// RejectedError 表示服务端以非 2xx 拒绝了变更。
type RejectedError struct {
	Status int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected mutation: status=%d", e.Status)
}

// IdempotencyHeader 携带变更 id，服务端可据此去重，避免重复下单。
const IdempotencyHeader = "Idempotency-Key"

// HTTPSender 以原始 Method/Target 将变更重放到上游。
type HTTPSender struct {
	client *http.Client
	base   *url.URL
}

// NewHTTPSender 以上游基础地址构建 Sender。
func NewHTTPSender(client *http.Client, upstream string) (*HTTPSender, error) {
	base, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream must be absolute: %s", upstream)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSender{client: client, base: base}, nil
}

func (s *HTTPSender) Send(ctx context.Context, m Mutation) (*Ack, error) {
	ref, err := url.Parse(m.Target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	target := *s.base
	target.Path = strings.TrimRight(s.base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	target.RawPath = ""
	target.RawQuery = ref.RawQuery

	req, err := http.NewRequestWithContext(ctx, m.Method, target.String(), bytes.NewReader(m.Payload))
	if err != nil {
		return nil, err
	}
	if m.ContentType != "" {
		req.Header.Set("Content-Type", m.ContentType)
	}
	req.Header.Set(IdempotencyHeader, m.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read ack: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RejectedError{Status: resp.StatusCode}
	}
	return &Ack{Status: resp.StatusCode, Body: body}, nil
}
