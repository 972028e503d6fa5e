package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func newTestLimiter(capacity int, refillEvery time.Duration) (*Limiter, *time.Time) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := newLimiter([]ResourceConfig{{
		Key:          KeyAnalysis,
		Capacity:     capacity,
		RefillAmount: capacity,
		RefillEvery:  refillEvery,
	}}, func() time.Time { return now })
	return l, &now
}

func TestCheckLimit_ExhaustsBucket(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.CheckLimit(KeyAnalysis) {
			t.Fatalf("call %d should be admitted", i)
		}
	}
	if l.CheckLimit(KeyAnalysis) {
		t.Error("call 4 should be denied")
	}
}

func TestCheckLimit_RefillsOverTime(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute)

	l.CheckLimit(KeyAnalysis)
	l.CheckLimit(KeyAnalysis)
	if l.CheckLimit(KeyAnalysis) {
		t.Fatal("bucket should be empty")
	}

	// Half the refill interval restores one of two tokens.
	*now = now.Add(30 * time.Second)
	if !l.CheckLimit(KeyAnalysis) {
		t.Error("one token should have refilled after 30s")
	}
	if l.CheckLimit(KeyAnalysis) {
		t.Error("only one token should have refilled")
	}
}

func TestWaitTime(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	if wait := l.WaitTime(KeyAnalysis); wait != 0 {
		t.Errorf("full bucket WaitTime = %v, want 0", wait)
	}
	l.CheckLimit(KeyAnalysis)
	wait := l.WaitTime(KeyAnalysis)
	if wait < 59*time.Second || wait > 61*time.Second {
		t.Errorf("empty bucket WaitTime = %v, want about %v", wait, time.Minute)
	}
}

func TestGetStatus(t *testing.T) {
	l, now := newTestLimiter(5, time.Minute)
	l.CheckLimit(KeyAnalysis)

	st := l.GetStatus(KeyAnalysis)
	if st.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", st.Remaining)
	}
	if !st.ResetAt.Equal(*now) {
		t.Errorf("ResetAt = %v, want now while tokens remain", st.ResetAt)
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(2, time.Hour)
	l.CheckLimit(KeyAnalysis)
	l.CheckLimit(KeyAnalysis)
	if l.CheckLimit(KeyAnalysis) {
		t.Fatal("bucket should be empty")
	}

	l.Reset()
	if !l.CheckLimit(KeyAnalysis) {
		t.Error("Reset should refill the bucket")
	}
}

func TestUnknownKeyGetsDefaultBucket(t *testing.T) {
	l := New(nil)
	if !l.CheckLimit("something-new") {
		t.Error("unknown key should start with a full default bucket")
	}
}

func TestCheckLimit_Concurrency(t *testing.T) {
	l := New([]ResourceConfig{{
		Key:          KeyCatalogRead,
		Capacity:     100,
		RefillAmount: 1,
		RefillEvery:  time.Hour,
	}})

	var wg sync.WaitGroup
	admitted := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted <- l.CheckLimit(KeyCatalogRead)
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for ok := range admitted {
		if ok {
			count++
		}
	}
	if count != 100 {
		t.Errorf("admitted %d calls, want exactly 100 (no lost updates)", count)
	}
}
