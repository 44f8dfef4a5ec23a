package mailer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"codeverse/internal/identity"
	"codeverse/internal/pkg/mailqueue"
	"codeverse/internal/pkg/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeSource struct {
	mu       sync.Mutex
	batches  [][]*mailqueue.Delivery
	acked    []string
	failures []string
	readErr  error
}

func (f *fakeSource) Read(ctx context.Context) ([]*mailqueue.Delivery, error) {
	f.mu.Lock()
	if f.readErr != nil {
		err := f.readErr
		f.readErr = nil
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeSource) Ack(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeSource) HandleFailure(_ context.Context, d *mailqueue.Delivery, _ error) (mailqueue.FailureAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, d.ID)
	return mailqueue.FailureActionDLQ, nil
}

func (f *fakeSource) snapshot() (acked, failures []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...), append([]string(nil), f.failures...)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []identity.CodeNotice
	fail map[string]error
}

func (r *recordingSender) NotifyVerificationCode(_ context.Context, notice identity.CodeNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[notice.Username]; err != nil {
		return err
	}
	r.sent = append(r.sent, notice)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type countingLimiter struct {
	mu    sync.Mutex
	calls int
}

func (c *countingLimiter) Wait(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func delivery(id, username string, expiresAt time.Time) *mailqueue.Delivery {
	return &mailqueue.Delivery{ID: id, Message: &mailqueue.VerificationMail{
		Username: username, Email: username + "@example.com", Code: "123456", ExpiresAt: expiresAt,
	}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func runWorker(t *testing.T, w *Worker, pool *queue.Queue) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected run error: %v", err)
		}
		_ = pool.Shutdown(time.Second)
	}
}

func TestWorker_SendsAcksAndDropsExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{
		readErr: errors.New("connection reset"),
		batches: [][]*mailqueue.Delivery{{
			delivery("1-0", "alice", now.Add(time.Hour)),
			delivery("2-0", "bob", now.Add(-time.Minute)),
		}},
	}
	sender := &recordingSender{}
	limiter := &countingLimiter{}
	pool := queue.New(testLogger(), 2, 4)

	w := NewWorker(source, sender, limiter, pool, time.Second, testLogger())
	w.now = func() time.Time { return now }

	stop := runWorker(t, w, pool)
	waitFor(t, func() bool { return sender.count() == 1 })
	stop()

	acked, failures := source.snapshot()
	if len(acked) != 2 {
		t.Fatalf("both messages should be acked before sending, got %v", acked)
	}
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	stats := w.Stats()
	if stats.Received != 2 || stats.Sent != 1 || stats.Expired != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected one limiter wait, got %d", limiter.calls)
	}
}

func TestWorker_FailedSendIsHandedBack(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{batches: [][]*mailqueue.Delivery{{delivery("1-0", "carol", now.Add(time.Hour))}}}
	sender := &recordingSender{fail: map[string]error{"carol": errors.New("mailbox unavailable")}}
	pool := queue.New(testLogger(), 1, 1)

	w := NewWorker(source, sender, nil, pool, time.Second, testLogger())
	w.now = func() time.Time { return now }

	stop := runWorker(t, w, pool)
	waitFor(t, func() bool {
		_, failures := source.snapshot()
		return len(failures) == 1
	})
	stop()

	if got := w.Stats().Failed; got != 1 {
		t.Fatalf("expected 1 failure, got %d", got)
	}
}

func TestWorker_WithRedisStream(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	consumer, err := mailqueue.NewConsumer(ctx, rdb, testLogger(), "test:mail", "mailer_group", "m1",
		mailqueue.WithPendingIdle(0), mailqueue.WithBlockTime(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	producer := mailqueue.NewProducer(rdb, testLogger(), "test:mail")

	for _, name := range []string{"alice", "dave"} {
		err := producer.NotifyVerificationCode(ctx, identity.CodeNotice{
			Username: name, Email: name + "@example.com", Code: "654321", ExpiresAt: time.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	sender := &recordingSender{fail: map[string]error{"dave": errors.New("550 rejected")}}
	pool := queue.New(testLogger(), 2, 2)
	w := NewWorker(consumer, sender, nil, pool, time.Second, testLogger())

	stop := runWorker(t, w, pool)
	waitFor(t, func() bool {
		n, _ := rdb.XLen(ctx, consumer.DeadLetterStream()).Result()
		return sender.count() == 1 && n == 1
	})
	stop()
}
