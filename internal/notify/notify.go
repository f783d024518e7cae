// Package notify delivers user-facing notifications (order confirmations after a
// deferred order is replayed, forwarded push messages) to one or more transports.
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Notification 是发往用户的一条通知。
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	// Reference 关联的业务编号，例如订单号，可为空。
	Reference string `json:"reference,omitempty"`
}

// Notifier 是通知通道。
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log 将通知写入结构化日志，作为未配置外部通道时的兜底。
type Log struct {
	Logger *logrus.Logger
}

func (l Log) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"action":    "notify",
		"title":     n.Title,
		"reference": n.Reference,
	}).Info(n.Body)
	return nil
}

// Multi 依次调用全部通道，单个通道失败不影响其余通道，错误合并返回。
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func 允许以函数充当 Notifier，便于测试与轻量适配。
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
