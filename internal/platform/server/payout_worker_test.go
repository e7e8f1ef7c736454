package server

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPayoutBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{6, 160 * time.Second},
		{7, 5 * time.Minute},
		{30, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := payoutBackoff(tc.attempts); got != tc.want {
			t.Errorf("payoutBackoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
	if got := payoutBackoff(0); got != 5*time.Second {
		t.Errorf("payoutBackoff(0) = %s, want 5s", got)
	}
}

func TestGrossPayout(t *testing.T) {
	cases := []struct {
		stake int64
		odds  string
		want  int64
	}{
		{100, "2.00", 200},
		{100, "1.01", 101},
		{3, "1.50", 4},   // 4.5 floors to 4
		{7, "1.33", 9},   // 9.31 floors to 9
		{1, "1.01", 1},   // 1.01 floors to 1
		{0, "3.00", 0},
		{1000, "10.00", 10000},
	}
	for _, tc := range cases {
		odds := decimal.RequireFromString(tc.odds)
		if got := grossPayout(tc.stake, odds); got != tc.want {
			t.Errorf("grossPayout(%d, %s) = %d, want %d", tc.stake, tc.odds, got, tc.want)
		}
	}
}

func TestMemoryQueue(t *testing.T) {
	q := newMemoryQueue(4)
	ctx := context.Background()

	if err := q.Push(ctx, 11); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(ctx, 22); err != nil {
		t.Fatalf("push: %v", err)
	}

	id, ok, err := q.Pop(ctx, time.Second)
	if err != nil || !ok || id != 11 {
		t.Fatalf("first pop = (%d, %v, %v)", id, ok, err)
	}
	id, ok, err = q.Pop(ctx, time.Second)
	if err != nil || !ok || id != 22 {
		t.Fatalf("second pop = (%d, %v, %v)", id, ok, err)
	}

	_, ok, err = q.Pop(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("empty pop err = %v", err)
	}
	if ok {
		t.Fatal("empty pop reported a job")
	}
}

func TestMemoryQueuePopCancelled(t *testing.T) {
	q := newMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := q.Pop(ctx, time.Minute)
	if err == nil {
		t.Fatal("expected context error")
	}
}
