package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.OnError(errors.New("boom"))
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after one failure")
	}
	cb.OnError(errors.New("boom"))
	if cb.Allow() || !cb.Open() {
		t.Fatalf("expected breaker open after threshold")
	}
	now = now.Add(time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected breaker to allow after cooldown")
	}
	cb.OnError(errors.New("boom"))
	cb.OnSuccess()
	cb.OnError(errors.New("boom"))
	if !cb.Allow() {
		t.Fatalf("expected success to reset failure count")
	}
}

func TestNilCircuitBreakerAllows(t *testing.T) {
	var cb *CircuitBreaker
	cb.OnError(errors.New("boom"))
	if !cb.Allow() {
		t.Fatalf("expected nil breaker to allow")
	}
}

func TestRetryPolicyDo(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %v after %d", err, calls)
	}
}

func TestRetryPolicyStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxRetries: 5, Backoff: time.Hour}
	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single attempt on cancelled context, got %d (%v)", calls, err)
	}
}
