package queue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/kvstore"
	"github.com/any-hub/offline-hub/internal/kvstore/sqlite"
	"github.com/any-hub/offline-hub/internal/notify"
)

type recordingNotifier struct {
	mu    sync.Mutex
	items []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.items...)
}

// scriptedSender 按调用顺序返回预设结果，未预设时视为成功。
type scriptedSender struct {
	mu      sync.Mutex
	results []error
	acks    map[string][]byte
	sent    []string
}

func (s *scriptedSender) Send(_ context.Context, m Mutation) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m.ID)
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Ack{Status: http.StatusOK, Body: s.acks[m.ID]}, nil
}

func (s *scriptedSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func openTestQueue(t *testing.T, store kvstore.Store, sender Sender, notifier notify.Notifier, maxAttempts int) *Queue {
	t.Helper()
	q, err := Open(context.Background(), Options{
		Store:          store,
		Sender:         sender,
		Notifier:       notifier,
		MaxAttempts:    maxAttempts,
		AttemptTimeout: time.Second,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func mustEnqueue(t *testing.T, q *Queue, kind Kind, target string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), Draft{Kind: kind, Method: http.MethodPost, Target: target, ContentType: "application/json", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestReplayCartThenOrder(t *testing.T) {
	sender := &scriptedSender{acks: map[string][]byte{}}
	notifier := &recordingNotifier{}
	q := openTestQueue(t, kvstore.NewMemory(), sender, notifier, 3)
	ctx := context.Background()

	mustEnqueue(t, q, KindCart, "/api/cart/items")
	report, err := q.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(report.Delivered) != 1 || report.Remaining != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if n := len(notifier.all()); n != 0 {
		t.Fatalf("cart replay must be silent, got %d notifications", n)
	}

	orderID := mustEnqueue(t, q, KindOrder, "/api/orders")
	sender.acks[orderID] = []byte(`{"order_id":"SO-1001"}`)
	report, err = q.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(report.Delivered) != 1 || report.Remaining != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	pending, _ := q.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("queue should be empty, got %d", len(pending))
	}
	notes := notifier.all()
	if len(notes) != 1 || notes[0].Reference != "SO-1001" {
		t.Fatalf("expected one notification with order reference, got %+v", notes)
	}
}

func TestReplayDoesNotResendAcknowledged(t *testing.T) {
	sender := &scriptedSender{}
	q := openTestQueue(t, kvstore.NewMemory(), sender, &recordingNotifier{}, 3)
	ctx := context.Background()

	id := mustEnqueue(t, q, KindCart, "/api/cart")
	if _, err := q.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if _, err := q.Replay(ctx); err != nil {
		t.Fatalf("second replay: %v", err)
	}
	sent := sender.sentIDs()
	if len(sent) != 1 || sent[0] != id {
		t.Fatalf("mutation should be sent exactly once, got %v", sent)
	}
}

func TestReplayPersistentFailure(t *testing.T) {
	timeout := context.DeadlineExceeded
	sender := &scriptedSender{results: []error{timeout, timeout, timeout}}
	q := openTestQueue(t, kvstore.NewMemory(), sender, &recordingNotifier{}, 3)
	ctx := context.Background()

	id := mustEnqueue(t, q, KindOrder, "/api/orders")

	for attempt := 1; attempt <= 2; attempt++ {
		report, err := q.Replay(ctx)
		if err != nil {
			t.Fatalf("replay %d: %v", attempt, err)
		}
		if len(report.Failed) != 1 || report.Failed[0].Attempts != attempt {
			t.Fatalf("replay %d: unexpected report %+v", attempt, report)
		}
		m, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if m.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", m.Attempts, attempt)
		}
	}

	report, err := q.Replay(ctx)
	if err != nil {
		t.Fatalf("third replay: %v", err)
	}
	if len(report.Persistent) != 1 || report.Persistent[0].Mutation.ID != id || report.Persistent[0].Mutation.Attempts != 3 {
		t.Fatalf("expected persistent failure, got %+v", report)
	}

	report, err = q.Replay(ctx)
	if err != nil {
		t.Fatalf("fourth replay: %v", err)
	}
	if len(report.Persistent) != 1 {
		t.Fatalf("persistent failure should keep being reported, got %+v", report)
	}
	if n := len(sender.sentIDs()); n != 3 {
		t.Fatalf("no automatic retry after the limit, sends=%d", n)
	}
	pending, _ := q.ListPending(ctx)
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("entry must be retained, got %+v", pending)
	}
}

func TestReplayStopsKindAfterFailure(t *testing.T) {
	sender := &scriptedSender{results: []error{errors.New("503")}}
	q := openTestQueue(t, kvstore.NewMemory(), sender, &recordingNotifier{}, 5)
	ctx := context.Background()

	first := mustEnqueue(t, q, KindCart, "/api/cart/1")
	mustEnqueue(t, q, KindCart, "/api/cart/2")
	mustEnqueue(t, q, KindOrder, "/api/orders")

	report, err := q.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].ID != first {
		t.Fatalf("first cart mutation should fail, got %+v", report)
	}
	if report.Held != 2 {
		t.Fatalf("later cart and dependent order should be held, held=%d", report.Held)
	}
	if sent := sender.sentIDs(); len(sent) != 1 {
		t.Fatalf("only the failing head should be sent, got %v", sent)
	}
	if report.Remaining != 3 {
		t.Fatalf("remaining = %d", report.Remaining)
	}
}

func TestReplayKindFilter(t *testing.T) {
	sender := &scriptedSender{}
	q := openTestQueue(t, kvstore.NewMemory(), sender, &recordingNotifier{}, 5)
	ctx := context.Background()

	orderFirst := mustEnqueue(t, q, KindOrder, "/api/orders")
	mustEnqueue(t, q, KindCart, "/api/cart")
	mustEnqueue(t, q, KindOrder, "/api/orders")

	report, err := q.Replay(ctx, KindOrder)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(report.Delivered) != 1 || report.Delivered[0] != orderFirst {
		t.Fatalf("only the order ahead of the pending cart change should go, got %+v", report)
	}
	if report.Held != 1 || report.Remaining != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestReplayCoalesces(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	sender := SenderFunc(func(ctx context.Context, m Mutation) (*Ack, error) {
		once.Do(func() { close(started) })
		<-release
		return &Ack{Status: http.StatusOK}, nil
	})
	q := openTestQueue(t, kvstore.NewMemory(), sender, &recordingNotifier{}, 5)
	mustEnqueue(t, q, KindCart, "/api/cart")

	done := make(chan ReplayReport)
	go func() {
		report, _ := q.Replay(context.Background())
		done <- report
	}()
	<-started

	report, err := q.Replay(context.Background())
	if err != nil {
		t.Fatalf("coalesced replay: %v", err)
	}
	if !report.Coalesced {
		t.Fatalf("overlapping replay should be coalesced")
	}
	close(release)
	first := <-done
	if first.Coalesced || len(first.Delivered) != 1 {
		t.Fatalf("unexpected first report %+v", first)
	}
}

func TestReplayAttemptTimeout(t *testing.T) {
	sender := SenderFunc(func(ctx context.Context, m Mutation) (*Ack, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q, err := Open(context.Background(), Options{
		Store:          kvstore.NewMemory(),
		Sender:         sender,
		MaxAttempts:    3,
		AttemptTimeout: 20 * time.Millisecond,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id := mustEnqueue(t, q, KindOrder, "/api/orders")

	report, err := q.Replay(context.Background())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("timeout should count as failure, got %+v", report)
	}
	m, _ := q.Get(context.Background(), id)
	if m == nil || m.Attempts != 1 {
		t.Fatalf("attempts should be 1 after timeout, got %+v", m)
	}
}

func TestReplayEmitsEvents(t *testing.T) {
	var mu sync.Mutex
	var outcomes []Outcome
	sender := &scriptedSender{results: []error{nil, errors.New("boom")}}
	q, err := Open(context.Background(), Options{
		Store:       kvstore.NewMemory(),
		Sender:      sender,
		MaxAttempts: 5,
		Logger:      quietLogger(),
		Notifier:    &recordingNotifier{},
		Listener: func(ev Event) {
			mu.Lock()
			outcomes = append(outcomes, ev.Outcome)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustEnqueue(t, q, KindCart, "/api/cart/1")
	mustEnqueue(t, q, KindCart, "/api/cart/2")
	mustEnqueue(t, q, KindCart, "/api/cart/3")

	if _, err := q.Replay(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []Outcome{OutcomeDelivered, OutcomeFailed, OutcomeHeld}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", outcomes, want)
		}
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sender := &scriptedSender{results: []error{errors.New("offline")}}
	q := openTestQueue(t, store, sender, &recordingNotifier{}, 5)
	first := mustEnqueue(t, q, KindCart, "/api/cart")
	if _, err := q.Replay(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.Close()
	q2 := openTestQueue(t, reopened, &scriptedSender{}, &recordingNotifier{}, 5)
	second := mustEnqueue(t, q2, KindOrder, "/api/orders")

	pending, err := q2.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first || pending[1].ID != second {
		t.Fatalf("unexpected pending after reopen %+v", pending)
	}
	if pending[0].Attempts != 1 || pending[0].LastError != "offline" {
		t.Fatalf("attempt state should persist, got %+v", pending[0])
	}
	if pending[1].Seq <= pending[0].Seq {
		t.Fatalf("sequence must keep increasing across reopen: %d then %d", pending[0].Seq, pending[1].Seq)
	}
}

func TestDiscardAndResetAttempts(t *testing.T) {
	sender := &scriptedSender{results: []error{errors.New("x")}}
	q := openTestQueue(t, kvstore.NewMemory(), sender, &recordingNotifier{}, 1)
	ctx := context.Background()

	id := mustEnqueue(t, q, KindOrder, "/api/orders")
	report, _ := q.Replay(ctx)
	if len(report.Persistent) != 1 {
		t.Fatalf("expected persistent failure with max=1, got %+v", report)
	}

	m, err := q.ResetAttempts(ctx, id)
	if err != nil || m.Attempts != 0 || m.LastError != "" {
		t.Fatalf("reset: %+v %v", m, err)
	}
	report, _ = q.Replay(ctx)
	if len(report.Delivered) != 1 {
		t.Fatalf("reset mutation should be retried, got %+v", report)
	}

	other := mustEnqueue(t, q, KindCart, "/api/cart")
	if err := q.Discard(ctx, other); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := q.Get(ctx, other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after discard, got %v", err)
	}
	if err := q.Discard(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestEnqueueValidates(t *testing.T) {
	q := openTestQueue(t, kvstore.NewMemory(), &scriptedSender{}, nil, 3)
	if _, err := q.Enqueue(context.Background(), Draft{Kind: "wishlist", Target: "/x"}); err == nil {
		t.Fatalf("unknown kind should be rejected")
	}
	if _, err := q.Enqueue(context.Background(), Draft{Kind: KindCart}); err == nil {
		t.Fatalf("empty target should be rejected")
	}
}

func TestEnqueueKeepsCallerID(t *testing.T) {
	sender := &scriptedSender{}
	q := openTestQueue(t, kvstore.NewMemory(), sender, nil, 3)
	ctx := context.Background()

	draft := Draft{ID: "checkout-42", Kind: KindOrder, Method: http.MethodPost, Target: "/api/orders", Payload: []byte(`{}`)}
	id, err := q.Enqueue(ctx, draft)
	if err != nil || id != "checkout-42" {
		t.Fatalf("enqueue should keep caller id, got %q err=%v", id, err)
	}
	again, err := q.Enqueue(ctx, draft)
	if err != nil || again != "checkout-42" {
		t.Fatalf("repeated enqueue should return the same id, got %q err=%v", again, err)
	}
	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("same id must be stored once, got %d entries", len(pending))
	}
	if _, err := q.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if sent := sender.sentIDs(); len(sent) != 1 || sent[0] != "checkout-42" {
		t.Fatalf("replay should send the caller id, got %v", sent)
	}
}

func TestEnqueueRejectsMalformedID(t *testing.T) {
	q := openTestQueue(t, kvstore.NewMemory(), &scriptedSender{}, nil, 3)
	for _, id := range []string{"has space", "tab\tkey", strings.Repeat("k", 129)} {
		if _, err := q.Enqueue(context.Background(), Draft{ID: id, Kind: KindCart, Target: "/api/cart"}); err == nil {
			t.Fatalf("id %q should be rejected", id)
		}
	}
	if !ValidID("3f0c9a4e-order") || ValidID("") {
		t.Fatalf("ValidID mismatch")
	}
}

func TestHasPendingByKind(t *testing.T) {
	q := openTestQueue(t, kvstore.NewMemory(), &scriptedSender{}, nil, 3)
	ctx := context.Background()

	if pending, err := q.HasPending(ctx); err != nil || pending {
		t.Fatalf("empty queue reported pending=%v err=%v", pending, err)
	}
	mustEnqueue(t, q, KindCart, "/api/cart/items")
	if pending, _ := q.HasPending(ctx); !pending {
		t.Fatalf("any-kind check should see the cart change")
	}
	if pending, _ := q.HasPending(ctx, KindCart, KindOrder); !pending {
		t.Fatalf("cart change should block an order")
	}
	if pending, _ := q.HasPending(ctx, KindOrder); pending {
		t.Fatalf("no order is queued")
	}
	if _, err := q.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if pending, _ := q.HasPending(ctx, KindCart); pending {
		t.Fatalf("delivered cart change should not be pending")
	}
}

func TestHTTPSenderSetsIdempotencyKey(t *testing.T) {
	var gotKey, gotPath, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyHeader)
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		if r.URL.Path == "/api/orders/rejected" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		_, _ = w.Write([]byte(`{"id":"SO-9"}`))
	}))
	defer srv.Close()

	sender, err := NewHTTPSender(srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	m := Mutation{ID: "m-1", Kind: KindOrder, Method: http.MethodPost, Target: "/api/orders", ContentType: "application/json", Payload: []byte(`{}`)}
	ack, err := sender.Send(context.Background(), m)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotKey != "m-1" || gotPath != "/api/orders" || gotType != "application/json" {
		t.Fatalf("unexpected request key=%q path=%q type=%q", gotKey, gotPath, gotType)
	}
	if orderReference(m, ack) != "SO-9" {
		t.Fatalf("reference should come from ack body")
	}

	m.Target = "/api/orders/rejected"
	var rejected *RejectedError
	if _, err := sender.Send(context.Background(), m); !errors.As(err, &rejected) || rejected.Status != http.StatusConflict {
		t.Fatalf("expected RejectedError 409, got %v", err)
	}
}

func TestOrderReferenceFallsBackToMutationID(t *testing.T) {
	m := Mutation{ID: "m-7"}
	if ref := orderReference(m, &Ack{Body: []byte("not json")}); ref != "m-7" {
		t.Fatalf("unexpected ref %q", ref)
	}
	if ref := orderReference(m, &Ack{Body: []byte(`{"id":42}`)}); ref != "42" {
		t.Fatalf("numeric id should be used, got %q", ref)
	}
}

func TestRoutesMatch(t *testing.T) {
	routes := Routes{
		{Pattern: "/api/cart/**", Method: "*", Kind: KindCart},
		{Pattern: "/api/orders", Method: http.MethodPost, Kind: KindOrder},
	}
	if kind, ok := routes.Match(http.MethodPut, "/api/cart/items/3"); !ok || kind != KindCart {
		t.Fatalf("cart PUT should match, got %q %v", kind, ok)
	}
	if kind, ok := routes.Match(http.MethodPost, "/api/orders?x=1"); !ok || kind != KindOrder {
		t.Fatalf("order POST should match, got %q %v", kind, ok)
	}
	if _, ok := routes.Match(http.MethodDelete, "/api/orders"); ok {
		t.Fatalf("order DELETE should not match")
	}
	if _, ok := routes.Match(http.MethodGet, "/api/cart"); ok {
		t.Fatalf("reads are never deferred")
	}
}
