package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterWaitPacesSameKey(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "worker-0"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "worker-0"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.WaitURL(ctx, "https://a.example/1"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.WaitURL(ctx, "https://b.example/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("host b blocked unexpectedly")
	}
}

func TestLimiterCanceledContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx, "k"); err == nil {
		t.Fatal("expected error after cancel")
	}
}

func TestLimiterDisabledWhenRateIsZero(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for range 50 {
		if err := l.Wait(context.Background(), "k"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("unlimited limiter should not block")
	}
}
