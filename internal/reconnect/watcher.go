package reconnect

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Probe 判断上游当前是否可达。
type Probe func(ctx context.Context) bool

// NewHTTPProbe 以 HEAD 请求探测 url，任何非 5xx 响应都视为在线。
func NewHTTPProbe(client *http.Client, url string, timeout time.Duration) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) bool {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
}

// Backlog 报告队列中是否仍有待重放的变更，*queue.Queue 的 HasPending 满足该签名。
type Backlog func(ctx context.Context) (bool, error)

// Watcher 周期性探测上游。离线→在线切换时触发重放；保持在线且队列仍有积压时每轮都再次触发，
// 频率由 Trigger 的合并窗口限制。
type Watcher struct {
	probe    Probe
	trigger  *Trigger
	backlog  Backlog
	interval time.Duration
	logger   *logrus.Logger
	online   atomic.Bool
}

// NewWatcher 构建 Watcher；启动时视为离线，首次探测成功即会触发一次重放，以处理上次运行遗留的变更。
// backlog 可为 nil，此时只在切换时触发。
func NewWatcher(probe Probe, trigger *Trigger, backlog Backlog, interval time.Duration, logger *logrus.Logger) (*Watcher, error) {
	if probe == nil || trigger == nil {
		return nil, errors.New("probe and trigger are required")
	}
	if interval <= 0 {
		return nil, errors.New("probe interval must be positive")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{probe: probe, trigger: trigger, backlog: backlog, interval: interval, logger: logger}, nil
}

// Online 返回最近一次探测结果。
func (w *Watcher) Online() bool {
	return w.online.Load()
}

// Run 阻塞直到 ctx 结束。
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check 执行一次探测；返回本次是否触发了重放。
func (w *Watcher) Check(ctx context.Context) bool {
	up := w.probe(ctx)
	was := w.online.Swap(up)
	fields := logrus.Fields{"action": "connectivity", "online": up}
	if !up {
		if was {
			w.logger.WithFields(fields).Warn("upstream unreachable")
		}
		return false
	}

	reason := "probe"
	if was {
		if !w.hasBacklog(ctx) {
			return false
		}
		reason = "backlog"
	} else {
		w.logger.WithFields(fields).Info("upstream reachable")
	}
	_, fired, err := w.trigger.Fire(ctx, reason)
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("reconnect replay failed")
	}
	return fired
}

func (w *Watcher) hasBacklog(ctx context.Context) bool {
	if w.backlog == nil {
		return false
	}
	pending, err := w.backlog(ctx)
	if err != nil {
		w.logger.WithError(err).WithField("action", "connectivity").Warn("queue backlog check failed")
		return false
	}
	return pending
}
