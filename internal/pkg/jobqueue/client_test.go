package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client, err := NewClient(rdb)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client, mr
}

type testPayload struct {
	GPUID uint `json:"gpu_id"`
}

func TestClient_PushPopAck(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	payload, _ := json.Marshal(testPayload{GPUID: 42})
	job := NewJob(QueueScore, "score-gpu", payload)

	if err := client.Push(ctx, job, 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	depth, err := client.Depth(ctx, QueueScore)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected depth 1, got %d", depth)
	}

	popped, err := client.Pop(ctx, QueueScore, time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if popped.ID != job.ID || popped.Type != "score-gpu" {
		t.Errorf("popped job mismatch: got id=%s type=%s", popped.ID, popped.Type)
	}

	var p testPayload
	if err := popped.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if p.GPUID != 42 {
		t.Errorf("expected gpu_id 42, got %d", p.GPUID)
	}

	if err := client.Ack(ctx, popped); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	depth, _ = client.Depth(ctx, QueueScore)
	if depth != 0 {
		t.Errorf("expected depth 0 after ack, got %d", depth)
	}

	// 空队列应返回 ErrNoJob
	if _, err := client.Pop(ctx, QueueScore, 50*time.Millisecond); !errors.Is(err, ErrNoJob) {
		t.Errorf("expected ErrNoJob, got %v", err)
	}
}

func TestClient_DedupCollapsesDuplicates(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	payload, _ := json.Marshal(testPayload{GPUID: 7})

	first := NewJob(QueueScore, "score-gpu", payload)
	first.DedupKey = "score:7"
	if err := client.Push(ctx, first, 0); err != nil {
		t.Fatalf("first Push failed: %v", err)
	}

	second := NewJob(QueueScore, "score-gpu", payload)
	second.DedupKey = "score:7"
	if err := client.Push(ctx, second, 0); !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}

	depth, _ := client.Depth(ctx, QueueScore)
	if depth != 1 {
		t.Errorf("expected single deduped job, got depth %d", depth)
	}

	// Ack 释放去重键后，同键任务应可再次入队
	popped, err := client.Pop(ctx, QueueScore, time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if err := client.Ack(ctx, popped); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	third := NewJob(QueueScore, "score-gpu", payload)
	third.DedupKey = "score:7"
	if err := client.Push(ctx, third, 0); err != nil {
		t.Errorf("push after ack should succeed, got %v", err)
	}
}

func TestClient_DelayedJobPromotion(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	payload, _ := json.Marshal(testPayload{GPUID: 1})
	job := NewJob(QueueAlert, "send-alert", payload)

	if err := client.Push(ctx, job, time.Hour); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// 未到期，不应弹出
	if _, err := client.Pop(ctx, QueueAlert, 50*time.Millisecond); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected ErrNoJob before delay elapses, got %v", err)
	}

	// 把延迟任务的就绪时间改到过去，模拟时间流逝
	rewriteDelayedScores(t, mr, QueueAlert, time.Now().Add(-time.Minute))

	popped, err := client.Pop(ctx, QueueAlert, time.Second)
	if err != nil {
		t.Fatalf("Pop after delay failed: %v", err)
	}
	if popped.ID != job.ID {
		t.Errorf("popped wrong job: %s", popped.ID)
	}
}

// rewriteDelayedScores 将延迟 ZSet 里所有成员的就绪时间改写为指定时刻。
// miniredis 的 FastForward 不影响本进程的 time.Now，所以直接改 score。
func rewriteDelayedScores(t *testing.T, mr *miniredis.Miniredis, queue string, readyAt time.Time) {
	t.Helper()
	key := keyPrefix + queue + ":delayed"
	members, err := mr.ZMembers(key)
	if err != nil {
		t.Fatalf("read delayed zset: %v", err)
	}
	for _, m := range members {
		mr.ZAdd(key, float64(readyAt.UnixMilli()), m)
	}
}

func TestClient_RetryThenDeadLetter(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	payload, _ := json.Marshal(testPayload{GPUID: 3})
	job := NewJob(QueueIngest, "fetch-source", payload)
	job.MaxAttempts = 2
	job.Backoff = Backoff{Kind: BackoffFixed, DelayMS: 1000}

	if err := client.Push(ctx, job, 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// 第一次失败：应进入延迟队列等待重试
	popped, err := client.Pop(ctx, QueueIngest, time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	action, err := client.HandleFailure(ctx, popped, errors.New("upstream 500"))
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if action != FailureActionRetry {
		t.Fatalf("expected retry, got %s", action)
	}

	rewriteDelayedScores(t, mr, QueueIngest, time.Now().Add(-time.Second))

	// 第二次失败：达到 MaxAttempts，应进入死信队列
	popped, err = client.Pop(ctx, QueueIngest, time.Second)
	if err != nil {
		t.Fatalf("Pop of retried job failed: %v", err)
	}
	if popped.Attempts != 1 {
		t.Errorf("expected attempts=1 on retried job, got %d", popped.Attempts)
	}

	action, err = client.HandleFailure(ctx, popped, errors.New("upstream 500 again"))
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if action != FailureActionDead {
		t.Fatalf("expected dead letter, got %s", action)
	}

	dead, err := client.DeadCount(ctx, QueueIngest)
	if err != nil {
		t.Fatalf("DeadCount failed: %v", err)
	}
	if dead != 1 {
		t.Errorf("expected 1 dead letter, got %d", dead)
	}

	depth, _ := client.Depth(ctx, QueueIngest)
	if depth != 0 {
		t.Errorf("expected empty queue after dead letter, got %d", depth)
	}
}

func TestClient_RescueStuck(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	payload, _ := json.Marshal(testPayload{GPUID: 9})
	job := NewJob(QueueCompact, "compact-history", payload)

	if err := client.Push(ctx, job, 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// 弹出后不 Ack，模拟 worker 崩溃
	popped, err := client.Pop(ctx, QueueCompact, time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}

	// 未超时不应救回
	rescued, err := client.RescueStuck(ctx, QueueCompact, time.Hour)
	if err != nil {
		t.Fatalf("RescueStuck failed: %v", err)
	}
	if rescued != 0 {
		t.Errorf("expected no rescue before timeout, got %d", rescued)
	}

	// 把开始时间改到一小时前
	mr.HSet(keyPrefix+QueueCompact+":started", popped.ID, "1")

	rescued, err = client.RescueStuck(ctx, QueueCompact, time.Minute)
	if err != nil {
		t.Fatalf("RescueStuck failed: %v", err)
	}
	if rescued != 1 {
		t.Fatalf("expected 1 rescued job, got %d", rescued)
	}

	// 救回后应能再次弹出
	again, err := client.Pop(ctx, QueueCompact, time.Second)
	if err != nil {
		t.Fatalf("Pop of rescued job failed: %v", err)
	}
	if again.ID != job.ID {
		t.Errorf("rescued wrong job: %s", again.ID)
	}
}

func TestBackoff_NextDelay(t *testing.T) {
	fixed := Backoff{Kind: BackoffFixed, DelayMS: 5000}
	for attempt := 1; attempt <= 3; attempt++ {
		if got := fixed.NextDelay(attempt); got != 5*time.Second {
			t.Errorf("fixed attempt %d: expected 5s, got %s", attempt, got)
		}
	}

	exp := Backoff{Kind: BackoffExponential, DelayMS: 5000}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
	}
	for _, tc := range cases {
		if got := exp.NextDelay(tc.attempt); got != tc.want {
			t.Errorf("exponential attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}

	// 上限 30 分钟
	if got := exp.NextDelay(30); got != 30*time.Minute {
		t.Errorf("expected cap at 30m, got %s", got)
	}
}
