package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

const tracerName = "github.com/any-hub/offline-hub/internal/dispatch"

// Source 标识响应来自哪条路径。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourcePlaceholder Source = "placeholder"
	SourceUnavailable Source = "unavailable"
)

// ErrUnavailable 表示网络与缓存均无法提供响应，且请求不适用离线占位页。
var ErrUnavailable = errors.New("dispatch: resource unavailable")

// Request 是一次出站请求的描述。Target 为上游相对路径（可带查询串）。
type Request struct {
	Method       string
	Target       string
	ContentClass string
	Navigational bool
	Header       http.Header
	Body         []byte
}

// Response 是分发结果。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	Tier     string
	Strategy Strategy
	StoredAt time.Time
}

// Fetcher 执行真实的网络请求；传输层错误以 error 返回，HTTP 状态码原样放在 Response 中。
type Fetcher interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Cache 是分发器依赖的缓存控制 API 子集，由 *cache.Service 实现。
type Cache interface {
	Get(ctx context.Context, tierID, key string) (*cache.Entry, error)
	Put(ctx context.Context, tierID, key string, payload cache.Payload) error
}

// Observer 接收分发结果计数。
type Observer interface {
	ObserveDispatch(strategy, source string)
}

type nopObserver struct{}

func (nopObserver) ObserveDispatch(string, string) {}

// UpstreamStatusError 表示上游返回了 5xx，按网络失败处理。
type UpstreamStatusError struct {
	Status int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream responded %d", e.Status)
}

// Options 汇总 Dispatcher 依赖，Cache/Fetcher/Classifier 为必填项。
type Options struct {
	Cache          Cache
	Fetcher        Fetcher
	Classifier     *Classifier
	Placeholder    []byte
	Logger         *logrus.Logger
	Observer       Observer
	TracerProvider trace.TracerProvider
}

// Dispatcher 执行 cache-first / network-first 策略。网络调用期间不持有任何缓存锁。
type Dispatcher struct {
	cache       Cache
	fetcher     Fetcher
	classifier  *Classifier
	placeholder []byte
	logger      *logrus.Logger
	observer    Observer
	tracer      trace.Tracer

	pending sync.WaitGroup
}

// New 校验依赖并构建 Dispatcher。
func New(opts Options) (*Dispatcher, error) {
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Dispatcher{
		cache:       opts.Cache,
		fetcher:     opts.Fetcher,
		classifier:  opts.Classifier,
		placeholder: opts.Placeholder,
		logger:      logger,
		observer:    observer,
		tracer:      tp.Tracer(tracerName),
	}, nil
}

// Classifier 返回当前分类表。
func (d *Dispatcher) Classifier() *Classifier {
	return d.classifier
}

// Fetch 按分类结果执行策略。非 GET 请求直接回源，失败原样返回给调用方。
func (d *Dispatcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	rule := d.classifier.Classify(req.Target, req.ContentClass)
	ctx, span := d.tracer.Start(ctx, "dispatch.Fetch", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("offline_hub.target", req.Target),
		attribute.String("offline_hub.strategy", string(rule.Strategy)),
		attribute.String("offline_hub.tier", rule.Tier),
	))
	defer span.End()

	started := time.Now()
	var (
		resp *Response
		err  error
	)
	switch {
	case req.Method != http.MethodGet:
		resp, err = d.passthrough(ctx, req, rule)
	case rule.Strategy == CacheFirst:
		resp, err = d.cacheFirst(ctx, req, rule)
	default:
		resp, err = d.networkFirst(ctx, req, rule)
	}

	source := SourceUnavailable
	if resp != nil {
		source = resp.Source
	}
	span.SetAttributes(attribute.String("offline_hub.source", string(source)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	d.observer.ObserveDispatch(string(rule.Strategy), string(source))

	fields := logging.RequestFields(rule.Tier, string(rule.Strategy), req.Method, req.Target, source == SourceCache)
	fields["action"] = "dispatch"
	fields["source"] = source
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		d.logger.WithFields(fields).Warn("dispatch_unavailable")
	} else {
		d.logger.WithFields(fields).Debug("dispatch_complete")
	}
	return resp, err
}

// Settle 等待 cache-first 路径上尚未完成的异步缓存写入。
func (d *Dispatcher) Settle() {
	d.pending.Wait()
}

func (d *Dispatcher) cacheFirst(ctx context.Context, req Request, rule Rule) (*Response, error) {
	if resp := d.lookup(ctx, req, rule); resp != nil {
		return resp, nil
	}

	resp, err := d.network(ctx, req, rule)
	if err != nil {
		return d.fallback(req, rule, err)
	}
	if isCacheableStatus(resp.Status) {
		payload := toPayload(resp)
		d.pending.Add(1)
		go func() {
			defer d.pending.Done()
			d.store(context.WithoutCancel(ctx), req, rule, payload)
		}()
	}
	return resp, nil
}

func (d *Dispatcher) networkFirst(ctx context.Context, req Request, rule Rule) (*Response, error) {
	resp, err := d.network(ctx, req, rule)
	if err == nil {
		if isCacheableStatus(resp.Status) {
			d.store(ctx, req, rule, toPayload(resp))
		}
		return resp, nil
	}

	if cached := d.lookup(ctx, req, rule); cached != nil {
		return cached, nil
	}
	return d.fallback(req, rule, err)
}

func (d *Dispatcher) passthrough(ctx context.Context, req Request, rule Rule) (*Response, error) {
	resp, err := d.fetcher.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp.Source = SourceNetwork
	resp.Tier = rule.Tier
	resp.Strategy = rule.Strategy
	return resp, nil
}

// network 回源；传输错误与 5xx 都视为失败。
func (d *Dispatcher) network(ctx context.Context, req Request, rule Rule) (*Response, error) {
	resp, err := d.fetcher.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status >= http.StatusInternalServerError {
		return nil, &UpstreamStatusError{Status: resp.Status}
	}
	resp.Source = SourceNetwork
	resp.Tier = rule.Tier
	resp.Strategy = rule.Strategy
	return resp, nil
}

// lookup 查询缓存；读取失败降级为未命中。
func (d *Dispatcher) lookup(ctx context.Context, req Request, rule Rule) *Response {
	entry, err := d.cache.Get(ctx, rule.Tier, req.Target)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			d.logger.WithError(err).WithFields(logrus.Fields{"action": "dispatch", "tier": rule.Tier, "target": req.Target}).Warn("cache_get_failed")
		}
		return nil
	}
	return &Response{
		Status:   entry.Payload.Status,
		Header:   entry.Payload.Header.Clone(),
		Body:     entry.Payload.Body,
		Source:   SourceCache,
		Tier:     rule.Tier,
		Strategy: rule.Strategy,
		StoredAt: entry.StoredAt,
	}
}

// Precache 从网络拉取 target 并同步写入 tierID；非可缓存状态码视为失败。
func (d *Dispatcher) Precache(ctx context.Context, tierID, target string) error {
	resp, err := d.fetcher.Do(ctx, Request{Method: http.MethodGet, Target: target})
	if err != nil {
		return fmt.Errorf("precache %s: %w", target, err)
	}
	if !isCacheableStatus(resp.Status) {
		return fmt.Errorf("precache %s: %w", target, &UpstreamStatusError{Status: resp.Status})
	}
	return d.cache.Put(ctx, tierID, target, toPayload(resp))
}

// store 写入缓存；失败仅记录日志，请求照常完成。
func (d *Dispatcher) store(ctx context.Context, req Request, rule Rule, payload cache.Payload) {
	if err := d.cache.Put(ctx, rule.Tier, req.Target, payload); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{"action": "dispatch", "tier": rule.Tier, "target": req.Target}).Warn("cache_put_failed")
	}
}

func (d *Dispatcher) fallback(req Request, rule Rule, cause error) (*Response, error) {
	if req.Navigational && len(d.placeholder) > 0 {
		return &Response{
			Status:   http.StatusOK,
			Header:   http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
			Body:     d.placeholder,
			Source:   SourcePlaceholder,
			Tier:     rule.Tier,
			Strategy: rule.Strategy,
		}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, cause)
}

func toPayload(resp *Response) cache.Payload {
	header := resp.Header.Clone()
	if header != nil {
		header.Del("Content-Length")
		header.Del("Set-Cookie")
	}
	return cache.Payload{
		Status: resp.Status,
		Header: header,
		Body:   append([]byte(nil), resp.Body...),
	}
}

// isCacheableStatus 只缓存完整响应与永久重定向。
func isCacheableStatus(status int) bool {
	switch status {
	case http.StatusOK, http.StatusNonAuthoritativeInfo, http.StatusNoContent,
		http.StatusMovedPermanently, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}
