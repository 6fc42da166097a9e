package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestReconnect_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Reconnect(context.Background(), "murf", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("dial failed")
		}
		return nil
	}, &ReconnectConfig{MaxAttempts: 5, Backoff: time.Millisecond, Multiplier: 2, MaxBackoff: 10 * time.Millisecond})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestReconnect_GivesUp(t *testing.T) {
	attempts := 0
	err := Reconnect(context.Background(), "assemblyai", func(context.Context) error {
		attempts++
		return errors.New("dial failed")
	}, NewReconnectConfig(2, time.Millisecond))

	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if !strings.Contains(err.Error(), "assemblyai") || !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("Expected error to name the service and cause, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestReconnect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Reconnect(ctx, "murf", func(context.Context) error {
		called = true
		return nil
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("Expected no attempt with a cancelled context")
	}
}
