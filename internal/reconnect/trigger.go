// Package reconnect turns "connectivity is back" signals into queue replays.
// Signals arrive from the control API or from the upstream health watcher;
// bursts inside the coalescing window collapse into a single replay.
package reconnect

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/any-hub/offline-hub/internal/queue"
)

// Replayer 是 Trigger 依赖的重放入口，*queue.Queue 满足该接口。
type Replayer interface {
	Replay(ctx context.Context, kinds ...queue.Kind) (queue.ReplayReport, error)
}

// Gate 在重放前进入 Handling(Replay) 状态，返回的 done 用于退出。
type Gate func() (done func(), err error)

// Options 汇总 Trigger 依赖。
type Options struct {
	Replayer Replayer
	Window   time.Duration
	Gate     Gate
	Logger   *logrus.Logger
	Now      func() time.Time
}

// Trigger 以令牌桶实现合并窗口：每个窗口最多放行一次重放。
type Trigger struct {
	replayer Replayer
	limiter  *rate.Limiter
	gate     Gate
	logger   *logrus.Logger
	now      func() time.Time
}

// NewTrigger 构建 Trigger；Window<=0 表示不做窗口合并，仅依赖队列自身的合并。
func NewTrigger(opts Options) (*Trigger, error) {
	if opts.Replayer == nil {
		return nil, errors.New("replayer is required")
	}
	limit := rate.Inf
	if opts.Window > 0 {
		limit = rate.Every(opts.Window)
	}
	t := &Trigger{
		replayer: opts.Replayer,
		limiter:  rate.NewLimiter(limit, 1),
		gate:     opts.Gate,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if t.logger == nil {
		t.logger = logrus.New()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t, nil
}

// Fire 请求一次重放。返回 false 表示本次信号落在合并窗口内或与进行中的重放合并，未产生新的重放。
func (t *Trigger) Fire(ctx context.Context, reason string) (queue.ReplayReport, bool, error) {
	fields := logrus.Fields{"action": "reconnect", "reason": reason}
	if !t.limiter.AllowN(t.now(), 1) {
		t.logger.WithFields(fields).Debug("reconnect signal coalesced")
		return queue.ReplayReport{Coalesced: true}, false, nil
	}
	if t.gate != nil {
		done, err := t.gate()
		if err != nil {
			return queue.ReplayReport{}, false, err
		}
		defer done()
	}

	report, err := t.replayer.Replay(ctx)
	if err != nil {
		t.logger.WithFields(fields).WithError(err).Warn("replay aborted")
		return report, !report.Coalesced, err
	}
	if report.Coalesced {
		t.logger.WithFields(fields).Debug("replay already running")
		return report, false, nil
	}
	fields["delivered"] = len(report.Delivered)
	fields["failed"] = len(report.Failed)
	fields["persistent"] = len(report.Persistent)
	fields["remaining"] = report.Remaining
	t.logger.WithFields(fields).Info("replay finished")
	return report, true, nil
}
