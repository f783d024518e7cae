// Package queue implements the durable deferred-mutation queue: cart and order
// writes that could not be confirmed while offline are appended to an embedded
// key-value store and replayed in FIFO order once connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/offline-hub/internal/kvstore"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/notify"
)

const (
	bucketMutations = "mutations"
	bucketIDs       = "mutation-ids"

	tracerName = "github.com/any-hub/offline-hub/internal/queue"

	defaultMaxAttempts    = 5
	defaultAttemptTimeout = 15 * time.Second

	maxIDLength = 128
)

// ValidID 判断调用方提供的 id 能否作为变更 id（即 Idempotency-Key）。
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, r := range id {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

// NewID 生成新的变更 id。
func NewID() string {
	return uuid.NewString()
}

// Observer 接收重放计数与积压数量。
type Observer interface {
	ObserveReplay(kind, outcome string)
	SetPending(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveReplay(string, string) {}
func (nopObserver) SetPending(int)               {}

// Options 汇总 Queue 依赖，Store 与 Sender 为必填项。
type Options struct {
	Store          kvstore.Store
	Sender         Sender
	Notifier       notify.Notifier
	MaxAttempts    int
	AttemptTimeout time.Duration
	Logger         *logrus.Logger
	Observer       Observer
	TracerProvider trace.TracerProvider
	Listener       func(Event)
	Now            func() time.Time
}

// Queue 是延迟变更队列。同一时间只允许一次重放，重叠的触发会被合并为空操作。
type Queue struct {
	store          kvstore.Store
	sender         Sender
	notifier       notify.Notifier
	maxAttempts    int
	attemptTimeout time.Duration
	logger         *logrus.Logger
	observer       Observer
	tracer         trace.Tracer
	listener       func(Event)
	now            func() time.Time

	// mu 串行化对持久化记录的写入。
	mu        sync.Mutex
	seq       uint64
	replaying atomic.Bool
}

// Open 校验依赖、从存储中恢复序号并返回队列。
func Open(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, errors.New("queue store is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("queue sender is required")
	}
	q := &Queue{
		store:          opts.Store,
		sender:         opts.Sender,
		notifier:       opts.Notifier,
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
		logger:         opts.Logger,
		observer:       opts.Observer,
		listener:       opts.Listener,
		now:            opts.Now,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = defaultMaxAttempts
	}
	if q.attemptTimeout <= 0 {
		q.attemptTimeout = defaultAttemptTimeout
	}
	if q.logger == nil {
		q.logger = logrus.New()
	}
	if q.notifier == nil {
		q.notifier = notify.Log{Logger: q.logger}
	}
	if q.observer == nil {
		q.observer = nopObserver{}
	}
	if q.now == nil {
		q.now = time.Now
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	q.tracer = tp.Tracer(tracerName)

	count := 0
	err := q.store.Scan(ctx, bucketMutations, "", func(key string, _ []byte) error {
		seq, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt mutation key %q: %w", key, err)
		}
		if seq > q.seq {
			q.seq = seq
		}
		count++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover queue: %w", err)
	}
	q.observer.SetPending(count)
	return q, nil
}

// MaxAttempts 返回生效的最大尝试次数。
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// Enqueue 持久化一条变更并返回其 id。draft.ID 已在队列中时视为重复提交，直接返回该 id。
func (q *Queue) Enqueue(ctx context.Context, draft Draft) (string, error) {
	if _, err := ParseKind(string(draft.Kind)); err != nil {
		return "", err
	}
	if draft.Target == "" {
		return "", errors.New("mutation target is required")
	}
	method := strings.ToUpper(draft.Method)
	if method == "" {
		method = http.MethodPost
	}
	id := draft.ID
	if id == "" {
		id = NewID()
	} else if !ValidID(id) {
		return "", fmt.Errorf("invalid mutation id %q", id)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.store.Get(ctx, bucketIDs, id)
	switch {
	case err == nil:
		fields := logging.MutationFields(id, string(draft.Kind), 0)
		fields["action"] = "enqueue"
		q.logger.WithFields(fields).Info("mutation already queued")
		return id, nil
	case !errors.Is(err, kvstore.ErrNotFound):
		return "", fmt.Errorf("lookup mutation id: %w", err)
	}

	q.seq++
	m := Mutation{
		ID:          id,
		Kind:        draft.Kind,
		Method:      method,
		Target:      draft.Target,
		ContentType: draft.ContentType,
		Payload:     append([]byte(nil), draft.Payload...),
		EnqueuedAt:  q.now().UTC(),
		Seq:         q.seq,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode mutation: %w", err)
	}
	err = q.store.Update(ctx, func(tx kvstore.Tx) error {
		tx.Put(bucketMutations, seqKey(m.Seq), raw)
		tx.Put(bucketIDs, m.ID, []byte(seqKey(m.Seq)))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("persist mutation: %w", err)
	}

	fields := logging.MutationFields(m.ID, string(m.Kind), 0)
	fields["action"] = "enqueue"
	fields["target"] = m.Target
	q.logger.WithFields(fields).Info("mutation deferred")
	q.refreshPending(ctx)
	return m.ID, nil
}

// ListPending 按入队顺序返回全部待重放变更。
func (q *Queue) ListPending(ctx context.Context) ([]Mutation, error) {
	var result []Mutation
	err := q.store.Scan(ctx, bucketMutations, "", func(_ string, value []byte) error {
		var m Mutation
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("decode mutation: %w", err)
		}
		result = append(result, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HasPending 判断队列中是否还有 kinds 指定类别（为空表示任意类别）的变更。
func (q *Queue) HasPending(ctx context.Context, kinds ...Kind) (bool, error) {
	found := false
	err := q.store.Scan(ctx, bucketMutations, "", func(_ string, value []byte) error {
		if len(kinds) == 0 {
			found = true
			return kvstore.ErrStopScan
		}
		var m Mutation
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("decode mutation: %w", err)
		}
		for _, k := range kinds {
			if m.Kind == k {
				found = true
				return kvstore.ErrStopScan
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Get 返回指定 id 的变更。
func (q *Queue) Get(ctx context.Context, id string) (*Mutation, error) {
	key, err := q.store.Get(ctx, bucketIDs, id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := q.store.Get(ctx, bucketMutations, string(key))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Mutation
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode mutation: %w", err)
	}
	return &m, nil
}

// Discard 人工放弃一条变更。
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.removeLocked(ctx, *m); err != nil {
		return err
	}
	fields := logging.MutationFields(m.ID, string(m.Kind), m.Attempts)
	fields["action"] = "discard"
	q.logger.WithFields(fields).Warn("mutation discarded")
	q.refreshPending(ctx)
	return nil
}

// ResetAttempts 清零尝试次数，使达到上限的变更重新参与自动重放。
func (q *Queue) ResetAttempts(ctx context.Context, id string) (*Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Attempts = 0
	m.LastError = ""
	if err := q.saveLocked(ctx, *m); err != nil {
		return nil, err
	}
	fields := logging.MutationFields(m.ID, string(m.Kind), 0)
	fields["action"] = "reset_attempts"
	q.logger.WithFields(fields).Info("mutation attempts reset")
	return m, nil
}

func (q *Queue) saveLocked(ctx context.Context, m Mutation) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}
	return q.store.Put(ctx, bucketMutations, seqKey(m.Seq), raw)
}

func (q *Queue) removeLocked(ctx context.Context, m Mutation) error {
	return q.store.Update(ctx, func(tx kvstore.Tx) error {
		tx.Delete(bucketMutations, seqKey(m.Seq))
		tx.Delete(bucketIDs, m.ID)
		return nil
	})
}

func (q *Queue) count(ctx context.Context) (int, error) {
	n := 0
	err := q.store.Scan(ctx, bucketMutations, "", func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

func (q *Queue) refreshPending(ctx context.Context) {
	if n, err := q.count(ctx); err == nil {
		q.observer.SetPending(n)
	}
}
