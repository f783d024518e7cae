package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/notify"
)

// Replaying 表示当前是否有重放在进行。
func (q *Queue) Replaying() bool {
	return q.replaying.Load()
}

// Replay 按入队顺序重放 kinds 指定类别（为空表示全部）的变更。
//
// 某类别一旦出现失败或达到上限，本轮中该类别后续的变更全部保留；订单依赖购物车状态，
// 排在未完成购物车变更之后的订单同样保留。已有重放在进行时直接返回 Coalesced=true。
func (q *Queue) Replay(ctx context.Context, kinds ...Kind) (ReplayReport, error) {
	if !q.replaying.CompareAndSwap(false, true) {
		return ReplayReport{Coalesced: true}, nil
	}
	defer q.replaying.Store(false)

	ctx, span := q.tracer.Start(ctx, "queue.Replay")
	defer span.End()

	report, err := q.replay(ctx, kinds)
	span.SetAttributes(
		attribute.Int("offline_hub.delivered", len(report.Delivered)),
		attribute.Int("offline_hub.failed", len(report.Failed)),
		attribute.Int("offline_hub.persistent", len(report.Persistent)),
		attribute.Int("offline_hub.remaining", report.Remaining),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return report, err
}

func (q *Queue) replay(ctx context.Context, kinds []Kind) (ReplayReport, error) {
	report := ReplayReport{Delivered: []string{}, Failed: []AttemptFailure{}, Persistent: []PersistentFailure{}}

	pending, err := q.ListPending(ctx)
	if err != nil {
		return report, fmt.Errorf("list pending: %w", err)
	}

	wanted := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	blocked := map[Kind]bool{}

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			report.Remaining = q.remaining(ctx, len(pending))
			return report, err
		}
		if len(wanted) > 0 && !wanted[m.Kind] {
			if m.Kind == KindCart {
				// 未参与本轮的购物车变更仍排在后续订单之前。
				blocked[KindCart] = true
			}
			continue
		}
		if blocked[m.Kind] || (m.Kind == KindOrder && blocked[KindCart]) {
			report.Held++
			q.emit(Event{Mutation: m, Outcome: OutcomeHeld})
			continue
		}
		if m.Attempts >= q.maxAttempts {
			blocked[m.Kind] = true
			report.Persistent = append(report.Persistent, PersistentFailure{Mutation: m})
			q.emit(Event{Mutation: m, Outcome: OutcomePersistent, Err: &PersistentFailure{Mutation: m}})
			continue
		}

		ack, sendErr := q.attempt(ctx, m)
		if sendErr == nil {
			if err := q.acknowledge(ctx, m); err != nil {
				return report, err
			}
			report.Delivered = append(report.Delivered, m.ID)
			q.emit(Event{Mutation: m, Outcome: OutcomeDelivered})
			if m.Kind == KindOrder {
				q.notifyOrder(ctx, m, ack)
			}
			continue
		}

		blocked[m.Kind] = true
		updated, err := q.recordFailure(ctx, m, sendErr)
		if err != nil {
			return report, err
		}
		if updated.Attempts >= q.maxAttempts {
			pf := PersistentFailure{Mutation: updated}
			report.Persistent = append(report.Persistent, pf)
			q.emit(Event{Mutation: updated, Outcome: OutcomePersistent, Err: &pf})
			continue
		}
		report.Failed = append(report.Failed, AttemptFailure{
			ID:       updated.ID,
			Kind:     updated.Kind,
			Attempts: updated.Attempts,
			Error:    updated.LastError,
		})
		q.emit(Event{Mutation: updated, Outcome: OutcomeFailed, Err: sendErr})
	}

	report.Remaining = q.remaining(ctx, len(pending)-len(report.Delivered))
	q.observer.SetPending(report.Remaining)
	return report, nil
}

// attempt 在独立超时内发送一次，超时与网络失败同等处理。
func (q *Queue) attempt(ctx context.Context, m Mutation) (*Ack, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, q.attemptTimeout)
	defer cancel()

	span := trace.SpanFromContext(ctx)
	span.AddEvent("attempt", trace.WithAttributes(
		attribute.String("offline_hub.mutation_id", m.ID),
		attribute.String("offline_hub.kind", string(m.Kind)),
		attribute.Int("offline_hub.attempts", m.Attempts),
	))
	return q.sender.Send(attemptCtx, m)
}

func (q *Queue) acknowledge(ctx context.Context, m Mutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.removeLocked(ctx, m); err != nil {
		return fmt.Errorf("remove acknowledged mutation %s: %w", m.ID, err)
	}
	q.observer.ObserveReplay(string(m.Kind), string(OutcomeDelivered))
	fields := logging.MutationFields(m.ID, string(m.Kind), m.Attempts+1)
	fields["action"] = "replay"
	q.logger.WithFields(fields).Info("mutation delivered")
	return nil
}

func (q *Queue) recordFailure(ctx context.Context, m Mutation, cause error) (Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.Get(ctx, m.ID)
	if errors.Is(err, ErrNotFound) {
		// 重放期间被人工放弃。
		m.Attempts++
		m.LastError = cause.Error()
		return m, nil
	}
	if err != nil {
		return m, err
	}
	current.Attempts++
	current.LastError = cause.Error()
	if err := q.saveLocked(ctx, *current); err != nil {
		return *current, fmt.Errorf("record failure for %s: %w", m.ID, err)
	}

	outcome := OutcomeFailed
	if current.Attempts >= q.maxAttempts {
		outcome = OutcomePersistent
	}
	q.observer.ObserveReplay(string(current.Kind), string(outcome))
	fields := logging.MutationFields(current.ID, string(current.Kind), current.Attempts)
	fields["action"] = "replay"
	fields["error"] = current.LastError
	q.logger.WithFields(fields).Warn("mutation replay failed")
	return *current, nil
}

func (q *Queue) remaining(ctx context.Context, fallback int) int {
	n, err := q.count(ctx)
	if err != nil {
		return fallback
	}
	return n
}

func (q *Queue) emit(ev Event) {
	if q.listener != nil {
		q.listener(ev)
	}
}

// notifyOrder 在订单确认后发送通知；通知失败不影响重放结果。
func (q *Queue) notifyOrder(ctx context.Context, m Mutation, ack *Ack) {
	ref := orderReference(m, ack)
	n := notify.Notification{
		Title:     "Order placed",
		Body:      fmt.Sprintf("Your order %s was submitted after your connection came back.", ref),
		Reference: ref,
	}
	if err := q.notifier.Notify(ctx, n); err != nil {
		fields := logging.MutationFields(m.ID, string(m.Kind), m.Attempts+1)
		fields["action"] = "notify"
		q.logger.WithError(err).WithFields(fields).Warn("order notification failed")
	}
}

// orderReference 优先使用服务端返回的 order_id/id，否则退回变更 id。
func orderReference(m Mutation, ack *Ack) string {
	if ack != nil && len(ack.Body) > 0 {
		var body map[string]any
		if err := json.Unmarshal(ack.Body, &body); err == nil {
			for _, field := range []string{"order_id", "orderId", "id"} {
				if ref := stringField(body[field]); ref != "" {
					return ref
				}
			}
		}
	}
	return m.ID
}

func stringField(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return fmt.Sprintf("%.0f", val)
	default:
		return ""
	}
}
