package rp_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loginrelay/loginrelay/pkg/oauth2"
	"github.com/loginrelay/loginrelay/pkg/rp"
)

func testAttempt(state string, ttl time.Duration) *rp.LoginAttempt {
	now := time.Now()
	return &rp.LoginAttempt{
		ID:        "attempt-1",
		Provider:  "testop",
		State:     state,
		Nonce:     "nonce-1",
		Verifier:  oauth2.GenerateCodeVerifier(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestConsumeIsSingleShot(t *testing.T) {
	store := rp.NewMemoryAttemptStore()
	if err := store.SaveAttempt(testAttempt("state-1", time.Minute)); err != nil {
		t.Fatal("expected nil, got ", err)
	}

	attempt, err := store.ConsumeAttempt("state-1")
	if err != nil {
		t.Fatal("expected nil, got ", err)
	}
	if attempt.ID != "attempt-1" {
		t.Error("expected attempt-1, got ", attempt.ID)
	}

	if _, err := store.ConsumeAttempt("state-1"); err != rp.ErrAttemptNotFound {
		t.Error("expected ErrAttemptNotFound on second consume, got ", err)
	}
}

func TestConsumeUnknownState(t *testing.T) {
	store := rp.NewMemoryAttemptStore()
	if _, err := store.ConsumeAttempt("never-issued"); err != rp.ErrAttemptNotFound {
		t.Error("expected ErrAttemptNotFound, got ", err)
	}
}

func TestConsumeExpiredAttempt(t *testing.T) {
	store := rp.NewMemoryAttemptStore()
	if err := store.SaveAttempt(testAttempt("state-1", -time.Second)); err != nil {
		t.Fatal("expected nil, got ", err)
	}

	if _, err := store.ConsumeAttempt("state-1"); err != rp.ErrAttemptNotFound {
		t.Error("expected ErrAttemptNotFound for expired attempt, got ", err)
	}
}

func TestConsumeConcurrent(t *testing.T) {
	store := rp.NewMemoryAttemptStore()
	if err := store.SaveAttempt(testAttempt("state-1", time.Minute)); err != nil {
		t.Fatal("expected nil, got ", err)
	}

	const callers = 16
	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeAttempt("state-1"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("expected exactly one successful consume, got %d", successes.Load())
	}
}

func TestStateUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		state := oauth2.GenerateState()
		if seen[state] {
			t.Fatal("generated a duplicate state value: ", state)
		}
		seen[state] = true
	}
}
