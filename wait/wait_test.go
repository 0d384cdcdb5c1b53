package wait

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUntilSucceedsOnceConditionIsTrue(t *testing.T) {
	attempts := 0
	err := Until(func() (bool, error) {
		attempts++
		return attempts >= 3, nil
	}, &Options{
		MaxRetries: 5,
		Timeout:    time.Second,
		Strategy:   NewFixedStrategy(time.Millisecond),
		Context:    context.Background(),
	})
	if err != nil {
		t.Fatalf("expected Until to succeed, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestUntilReturnsConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := Until(func() (bool, error) {
		return false, boom
	}, &Options{
		MaxRetries: 1,
		Timeout:    time.Second,
		Strategy:   NewFixedStrategy(time.Millisecond),
		Context:    context.Background(),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped condition error, got %v", err)
	}
}

func TestUntilExhaustsMaxRetries(t *testing.T) {
	err := Until(func() (bool, error) {
		return false, nil
	}, &Options{
		MaxRetries: 3,
		Timeout:    time.Second,
		Strategy:   NewFixedStrategy(time.Millisecond),
		Context:    context.Background(),
	})
	if !errors.Is(err, ErrMaxRetriesReached) {
		t.Fatalf("expected ErrMaxRetriesReached, got %v", err)
	}
}

func TestUntilRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Until(func() (bool, error) {
		return false, nil
	}, &Options{
		MaxRetries: 0,
		Timeout:    time.Second,
		Strategy:   NewFixedStrategy(100 * time.Millisecond),
		Context:    ctx,
	})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestUntilDefaultOptions(t *testing.T) {
	attempts := 0
	err := Until(func() (bool, error) {
		attempts++
		return true, nil
	})
	if err != nil {
		t.Fatalf("expected Until with default options to succeed, got %v", err)
	}
}

func TestFixedStrategyReturnsConstantDuration(t *testing.T) {
	s := NewFixedStrategy(5 * time.Millisecond)
	d1, ok := s.Next()
	if !ok || d1 != 5*time.Millisecond {
		t.Fatalf("expected constant 5ms duration, got %v ok=%v", d1, ok)
	}
	s.Reset()
	d2, ok := s.Next()
	if !ok || d2 != d1 {
		t.Fatalf("expected Reset to leave duration unchanged, got %v", d2)
	}
}
