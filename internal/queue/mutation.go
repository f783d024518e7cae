package queue

import (
	"errors"
	"fmt"
	"time"
)

// Kind 区分变更类别；同一类别内严格按入队顺序重放。
type Kind string

const (
	KindCart  Kind = "cart"
	KindOrder Kind = "order"
)

// ParseKind 校验并转换变更类别。
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindCart, KindOrder:
		return Kind(raw), nil
	default:
		return "", fmt.Errorf("unknown mutation kind %q", raw)
	}
}

// Mutation 是一条持久化的延迟变更，只有在服务端确认后才会被删除。
type Mutation struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Method      string    `json:"method"`
	Target      string    `json:"target"`
	ContentType string    `json:"content_type,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	Seq         uint64    `json:"seq"`
}

// Draft 是入队时由调用方提供的内容。ID 为空时由队列生成；非空时沿用，
// 使首次直连上游与之后的重放携带同一个 Idempotency-Key。
type Draft struct {
	ID          string
	Kind        Kind
	Method      string
	Target      string
	ContentType string
	Payload     []byte
}

// ErrNotFound 表示指定 id 的变更不在队列中。
var ErrNotFound = errors.New("queue: mutation not found")

// PersistentFailure 表示变更已达到最大尝试次数，需要人工处理；条目仍保留在队列中。
type PersistentFailure struct {
	Mutation Mutation `json:"mutation"`
}

func (e *PersistentFailure) Error() string {
	return fmt.Sprintf("mutation %s (%s) failed %d times: %s", e.Mutation.ID, e.Mutation.Kind, e.Mutation.Attempts, e.Mutation.LastError)
}

// Outcome 是单次重放尝试的结果。
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeFailed     Outcome = "failed"
	OutcomePersistent Outcome = "persistent_failure"
	OutcomeHeld       Outcome = "held"
)

// Event 在每次重放尝试结束后发出。
type Event struct {
	Mutation Mutation
	Outcome  Outcome
	Err      error
}

// AttemptFailure 是报告中一次失败尝试的摘要。
type AttemptFailure struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// ReplayReport 汇总一次重放的结果。
type ReplayReport struct {
	Coalesced  bool                `json:"coalesced"`
	Delivered  []string            `json:"delivered"`
	Failed     []AttemptFailure    `json:"failed"`
	Persistent []PersistentFailure `json:"persistent"`
	Held       int                 `json:"held"`
	Remaining  int                 `json:"remaining"`
}
