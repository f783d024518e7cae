package routes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/queue"
)

// QueueControl 是延迟变更队列的管理子集，*queue.Queue 满足该接口。
type QueueControl interface {
	ListPending(ctx context.Context) ([]queue.Mutation, error)
	Replay(ctx context.Context, kinds ...queue.Kind) (queue.ReplayReport, error)
	Discard(ctx context.Context, id string) error
	ResetAttempts(ctx context.Context, id string) (*queue.Mutation, error)
	MaxAttempts() int
}

// Gate 在执行工作前进入对应的 Handling 状态，lifecycle.Machine.Begin 满足该签名。
type Gate func(act lifecycle.Activity) (func(), error)

type pendingPayload struct {
	ID          string     `json:"id"`
	Kind        queue.Kind `json:"kind"`
	Method      string     `json:"method"`
	Target      string     `json:"target"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	Persistent  bool       `json:"persistent_failure"`
	PayloadSize int        `json:"payload_size"`
}

// RegisterQueueRoutes 暴露 /-/queue 查询、手动重放、放弃与重置接口。
func RegisterQueueRoutes(app *fiber.App, q QueueControl, gate Gate) {
	if app == nil || q == nil {
		return
	}

	app.Get("/-/queue", func(c fiber.Ctx) error {
		pending, err := q.ListPending(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "queue_list_failed"})
		}
		return c.JSON(fiber.Map{
			"max_attempts": q.MaxAttempts(),
			"pending":      encodePending(pending, q.MaxAttempts()),
		})
	})

	app.Post("/-/queue/replay", func(c fiber.Ctx) error {
		kinds, err := parseKinds(c.Query("kind"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_kind"})
		}
		if gate != nil {
			done, err := gate(lifecycle.ActivityReplay)
			if err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "not_ready"})
			}
			defer done()
		}
		report, err := q.Replay(c.Context(), kinds...)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "replay_failed", "report": report})
		}
		return c.JSON(report)
	})

	app.Delete("/-/queue/:id", func(c fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if err := q.Discard(c.Context(), id); err != nil {
			return queueError(c, err)
		}
		return c.JSON(fiber.Map{"discarded": id})
	})

	app.Post("/-/queue/:id/reset", func(c fiber.Ctx) error {
		m, err := q.ResetAttempts(c.Context(), strings.TrimSpace(c.Params("id")))
		if err != nil {
			return queueError(c, err)
		}
		return c.JSON(encodePending([]queue.Mutation{*m}, q.MaxAttempts())[0])
	})
}

func parseKinds(raw string) ([]queue.Kind, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var kinds []queue.Kind
	for _, part := range strings.Split(raw, ",") {
		kind, err := queue.ParseKind(strings.ToLower(strings.TrimSpace(part)))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func encodePending(items []queue.Mutation, maxAttempts int) []pendingPayload {
	result := make([]pendingPayload, 0, len(items))
	for _, m := range items {
		result = append(result, pendingPayload{
			ID:          m.ID,
			Kind:        m.Kind,
			Method:      m.Method,
			Target:      m.Target,
			EnqueuedAt:  m.EnqueuedAt,
			Attempts:    m.Attempts,
			LastError:   m.LastError,
			Persistent:  m.Attempts >= maxAttempts,
			PayloadSize: len(m.Payload),
		})
	}
	return result
}

func queueError(c fiber.Ctx, err error) error {
	if errors.Is(err, queue.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "mutation_not_found"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "queue_failed"})
}
