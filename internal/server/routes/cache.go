package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/tier"
)

// CacheControl 是缓存控制 API 的只读/清理子集，*cache.Service 满足该接口。
type CacheControl interface {
	Info(ctx context.Context) ([]cache.TierInfo, error)
	Size(ctx context.Context, tierID string) (int, error)
	Keys(ctx context.Context, tierID string) ([]string, error)
	Clear(ctx context.Context, tierID string) error
}

// RegisterCacheRoutes 暴露 /-/cache 诊断与清理接口。
func RegisterCacheRoutes(app *fiber.App, svc CacheControl) {
	if app == nil || svc == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		info, err := svc.Info(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_info_failed"})
		}
		return c.JSON(fiber.Map{"tiers": info})
	})

	app.Get("/-/cache/:tier", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("tier"))
		size, err := svc.Size(c.Context(), id)
		if err != nil {
			return tierError(c, err)
		}
		keys, err := svc.Keys(c.Context(), id)
		if err != nil {
			return tierError(c, err)
		}
		return c.JSON(fiber.Map{"tier": id, "size": size, "keys": keys})
	})

	app.Delete("/-/cache/:tier", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("tier"))
		if err := svc.Clear(c.Context(), id); err != nil {
			return tierError(c, err)
		}
		return c.JSON(fiber.Map{"cleared": id})
	})
}

func tierError(c fiber.Ctx, err error) error {
	var notFound *tier.NotFoundError
	if errors.As(err, &notFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tier_not_found"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_failed"})
}
