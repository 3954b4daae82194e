package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, 30*time.Second), client
}

func TestQueuePushClaimAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, "acme", "job-1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(ctx, "acme", "job-2"); err != nil {
		t.Fatalf("push: %v", err)
	}

	id, err := q.Claim(ctx, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected job-1 first, got %q", id)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1 after claim, got %d", depth)
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// second claim drains the queue
	if id, _ = q.Claim(ctx, "acme"); id != "job-2" {
		t.Fatalf("expected job-2, got %q", id)
	}
	if id, _ = q.Claim(ctx, ""); id != "" {
		t.Fatalf("expected empty claim, got %q", id)
	}
}

func TestQueueClaimScopedToTenant(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, "acme", "job-a"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(ctx, "globex", "job-g"); err != nil {
		t.Fatalf("push: %v", err)
	}

	id, err := q.Claim(ctx, "globex")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if id != "job-g" {
		t.Fatalf("expected globex job, got %q", id)
	}
}

func TestQueueRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, "acme", "job-1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := q.Claim(ctx, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// nothing expired yet
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no expired leases, got %v", ids)
	}

	// a point past the visibility deadline reclaims the job
	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v", ids)
	}

	if id, _ := q.Claim(ctx, ""); id != "job-1" {
		t.Fatalf("expected reclaimed job claimable, got %q", id)
	}
}

func TestTokenIndex(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := NewTokenIndex(client, time.Hour)

	if err := idx.Put(ctx, "task-abc", "job-1"); err != nil {
		t.Fatalf("put: %v", err)
	}

	id, ok, err := idx.Lookup(ctx, []string{"missing", "task-abc"})
	if err != nil || !ok {
		t.Fatalf("lookup failed: ok=%v err=%v", ok, err)
	}
	if id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}

	_, ok, err = idx.Lookup(ctx, []string{"unknown"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatal("expected miss for unknown token")
	}
}
