// Package proxy serves storefront traffic: reads go through the fetch
// dispatcher, writes that match a deferred-mutation route are forwarded when
// the upstream answers and parked in the mutation queue when it does not.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/dispatch"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/queue"
	"github.com/any-hub/offline-hub/internal/server"
)

// 响应头：标识响应来源与所属 Tier，便于客户端与排障。
const (
	HeaderSource       = "X-Offline-Hub-Source"
	HeaderTier         = "X-Offline-Hub-Tier"
	HeaderStrategy     = "X-Offline-Hub-Strategy"
	HeaderStoredAt     = "X-Offline-Hub-Stored-At"
	HeaderContentClass = "X-Content-Class"
)

// Dispatcher 是 Handler 依赖的分发入口，*dispatch.Dispatcher 满足该接口。
type Dispatcher interface {
	Fetch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// Deferrer 持久化无法立即确认的变更，*queue.Queue 满足该接口。
type Deferrer interface {
	Enqueue(ctx context.Context, draft queue.Draft) (string, error)
	HasPending(ctx context.Context, kinds ...queue.Kind) (bool, error)
}

// precedingKinds 返回必须先于 kind 送达的类别：购物车按自身顺序，订单依赖购物车状态。
func precedingKinds(kind queue.Kind) []queue.Kind {
	if kind == queue.KindOrder {
		return []queue.Kind{queue.KindCart, queue.KindOrder}
	}
	return []queue.Kind{kind}
}

// Gate 在处理请求前进入 Handling(Fetch)，lifecycle.Machine.Begin 满足该签名。
type Gate func(act lifecycle.Activity) (func(), error)

// Options 汇总 Handler 依赖。
type Options struct {
	Dispatcher Dispatcher
	Queue      Deferrer
	Mutations  queue.Routes
	Gate       Gate
	Logger     *logrus.Logger
}

// Handler 负责 orchestrate “变更路由 → 回源或入队”与“读请求 → 分发器”两条路径。
type Handler struct {
	dispatcher Dispatcher
	queue      Deferrer
	mutations  queue.Routes
	gate       Gate
	logger     *logrus.Logger
}

// NewHandler 校验依赖并构建 Handler。
func NewHandler(opts Options) (*Handler, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("mutation queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		dispatcher: opts.Dispatcher,
		queue:      opts.Queue,
		mutations:  opts.Mutations,
		gate:       opts.Gate,
		logger:     logger,
	}, nil
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	if h.gate != nil {
		done, err := h.gate(lifecycle.ActivityFetch)
		if err != nil {
			return h.writeError(c, fiber.StatusServiceUnavailable, "not_ready")
		}
		defer done()
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req := buildRequest(c)

	if kind, ok := h.mutations.Match(req.Method, req.Target); ok {
		return h.handleMutation(ctx, c, req, kind, started)
	}

	resp, err := h.dispatcher.Fetch(ctx, req)
	if err != nil {
		h.logResult(c, req, nil, started, err)
		if errors.Is(err, dispatch.ErrUnavailable) {
			return h.writeError(c, fiber.StatusServiceUnavailable, "unavailable")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	h.logResult(c, req, resp, started, nil)
	return writeResponse(c, resp)
}

// handleMutation 先尝试直接回源；队列中仍有需先送达的变更、网络失败或 5xx 时入队并返回 202。
// 首次回源与之后的重放携带同一个 Idempotency-Key（优先沿用客户端提供的值）。
func (h *Handler) handleMutation(ctx context.Context, c fiber.Ctx, req dispatch.Request, kind queue.Kind, started time.Time) error {
	id := strings.TrimSpace(req.Header.Get(queue.IdempotencyHeader))
	if !queue.ValidID(id) {
		id = queue.NewID()
	}
	req.Header.Set(queue.IdempotencyHeader, id)

	waiting, err := h.queue.HasPending(ctx, precedingKinds(kind)...)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "enqueue",
			"kind":       kind,
			"target":     req.Target,
			"request_id": server.RequestID(c),
		}).Error("mutation_queue_check_failed")
		return h.writeError(c, fiber.StatusServiceUnavailable, "queue_unavailable")
	}

	var (
		resp  *dispatch.Response
		cause string
	)
	if waiting {
		cause = "queued_behind_pending"
	} else {
		resp, err = h.dispatcher.Fetch(ctx, req)
		if err == nil && resp.Status < http.StatusInternalServerError {
			h.logResult(c, req, resp, started, nil)
			return writeResponse(c, resp)
		}
		if err != nil {
			cause = err.Error()
		} else {
			cause = fmt.Sprintf("upstream status %d", resp.Status)
		}
	}

	id, qErr := h.queue.Enqueue(context.WithoutCancel(ctx), queue.Draft{
		ID:          id,
		Kind:        kind,
		Method:      req.Method,
		Target:      req.Target,
		ContentType: req.Header.Get("Content-Type"),
		Payload:     req.Body,
	})
	if qErr != nil {
		h.logger.WithError(qErr).WithFields(logrus.Fields{
			"action":     "enqueue",
			"kind":       kind,
			"target":     req.Target,
			"request_id": server.RequestID(c),
		}).Error("mutation_enqueue_failed")
		return h.writeError(c, fiber.StatusServiceUnavailable, "queue_unavailable")
	}

	fields := logging.MutationFields(id, string(kind), 0)
	fields["action"] = "proxy"
	fields["target"] = req.Target
	fields["request_id"] = server.RequestID(c)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["reason"] = cause
	h.logger.WithFields(fields).Warn("mutation_deferred")

	c.Set(HeaderSource, "queue")
	c.Set(queue.IdempotencyHeader, id)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"queued":      true,
		"mutation_id": id,
		"kind":        kind,
	})
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	c.Set(HeaderSource, string(dispatch.SourceUnavailable))
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(c fiber.Ctx, req dispatch.Request, resp *dispatch.Response, started time.Time, err error) {
	tierID, strategy, status, hit := "", "", 0, false
	if resp != nil {
		tierID, strategy, status = resp.Tier, string(resp.Strategy), resp.Status
		hit = resp.Source == dispatch.SourceCache
	}
	fields := logging.RequestFields(tierID, strategy, req.Method, req.Target, hit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if resp != nil {
		fields["source"] = resp.Source
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func buildRequest(c fiber.Ctx) dispatch.Request {
	header := fiberHeadersAsHTTP(c)
	target := requestTarget(c)
	return dispatch.Request{
		Method:       c.Method(),
		Target:       target,
		ContentClass: inferContentClass(header, target),
		Navigational: isNavigational(c.Method(), header),
		Header:       header,
		Body:         append([]byte(nil), c.Body()...),
	}
}

// requestTarget 返回规范化后的路径与原始查询串，作为缓存 key 与上游相对地址。
func requestTarget(c fiber.Ctx) string {
	uri := c.Request().URI()
	raw := string(uri.Path())
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	if query := uri.QueryString(); len(query) > 0 {
		return clean + "?" + string(query)
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func writeResponse(c fiber.Ctx, resp *dispatch.Response) error {
	for key, values := range resp.Header {
		if dispatch.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Append(key, value)
		}
	}
	c.Set(HeaderSource, string(resp.Source))
	if resp.Tier != "" {
		c.Set(HeaderTier, resp.Tier)
	}
	if resp.Strategy != "" {
		c.Set(HeaderStrategy, string(resp.Strategy))
	}
	if !resp.StoredAt.IsZero() {
		c.Set(HeaderStoredAt, resp.StoredAt.UTC().Format(time.RFC3339))
	}
	return c.Status(resp.Status).Send(resp.Body)
}
