package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/notify"
	"github.com/any-hub/offline-hub/internal/queue"
)

// Reconnector 接收“网络已恢复”信号，*reconnect.Trigger 满足该接口。
type Reconnector interface {
	Fire(ctx context.Context, reason string) (queue.ReplayReport, bool, error)
}

// StateReporter 暴露生命周期状态并处理推送，*lifecycle.Machine 满足该接口。
type StateReporter interface {
	Status() lifecycle.Status
	HandlePush(ctx context.Context, n notify.Notification) error
}

// RegisterReconnectRoute 暴露 POST /-/reconnect，供客户端在恢复联网时显式触发重放。
func RegisterReconnectRoute(app *fiber.App, trigger Reconnector) {
	if app == nil || trigger == nil {
		return
	}
	app.Post("/-/reconnect", func(c fiber.Ctx) error {
		report, fired, err := trigger.Fire(c.Context(), "signal")
		if errors.Is(err, lifecycle.ErrNotActive) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "not_ready"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "replay_failed", "report": report})
		}
		return c.JSON(fiber.Map{"replayed": fired, "report": report})
	})
}

// RegisterStateRoutes 暴露 GET /-/state 与 POST /-/push。
func RegisterStateRoutes(app *fiber.App, state StateReporter) {
	if app == nil || state == nil {
		return
	}
	app.Get("/-/state", func(c fiber.Ctx) error {
		return c.JSON(state.Status())
	})
	app.Post("/-/push", func(c fiber.Ctx) error {
		var n notify.Notification
		if err := c.Bind().JSON(&n); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_notification"})
		}
		if n.Body == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "body_required"})
		}
		if err := state.HandlePush(c.Context(), n); err != nil {
			if errors.Is(err, lifecycle.ErrNotActive) {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "not_ready"})
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "notify_failed"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"delivered": true})
	})
}

// RegisterMetricsRoute 通过 adaptor 将 Prometheus handler 挂到 GET /-/metrics。
func RegisterMetricsRoute(app *fiber.App, handler http.Handler) {
	if app == nil || handler == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(handler))
}
