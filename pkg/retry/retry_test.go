// Copyright 2024-2026 Aiku AI

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

var fast = Policy{Attempts: 5, Initial: time.Millisecond, Multiplier: 2}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), fast, isTransient, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), fast, isTransient, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Errorf("err: got %v, want %v", err, errTransient)
	}
	if calls != 5 {
		t.Errorf("calls: got %d, want 5", calls)
	}
}

func TestDoSurfacesPermanentErrorImmediately(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), fast, isTransient, func(context.Context) error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Errorf("err: got %v, want %v", err, errFatal)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestDoValueReturnsValue(t *testing.T) {
	t.Parallel()
	calls := 0
	got, err := DoValue(context.Background(), fast, isTransient, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("DoValue: got (%q, %v), want (\"ok\", nil)", got, err)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{Attempts: 5, Initial: time.Hour, Multiplier: 2}
	calls := 0
	err := Do(ctx, slow, isTransient, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err: got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestPolicyNext(t *testing.T) {
	t.Parallel()
	delays := []time.Duration{DefaultPolicy.Initial}
	for range 3 {
		delays = append(delays, DefaultPolicy.next(delays[len(delays)-1]))
	}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d: got %v, want %v", i, delays[i], want[i])
		}
	}
	capped := Policy{Multiplier: 2, Max: 3 * time.Second}
	if got := capped.next(2 * time.Second); got != 3*time.Second {
		t.Errorf("capped delay: got %v, want 3s", got)
	}
}

func TestConfigPolicy(t *testing.T) {
	t.Parallel()
	if got := (Config{}).Policy(); got != DefaultPolicy {
		t.Errorf("zero config: got %+v, want DefaultPolicy", got)
	}
	got := Config{Attempts: 2, InitialDelay: time.Second, MaxDelay: 3 * time.Second}.Policy()
	want := Policy{Attempts: 2, Initial: time.Second, Multiplier: 2, Max: 3 * time.Second}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
