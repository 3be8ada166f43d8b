package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxRetries:   attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	}, fastConfig(5))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsAtMaxRetries(t *testing.T) {
	calls := 0
	var retries []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	}

	err := Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	}, cfg)

	if err == nil || err.Error() != "attempt 3" {
		t.Errorf("err = %v, want last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(retries) != 2 {
		t.Errorf("OnRetry calls = %v, want 2", retries)
	}
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	rejected := errors.New("order would immediately trigger")

	err := Do(context.Background(), func() error {
		calls++
		return Permanent(rejected)
	}, fastConfig(5))

	if !errors.Is(err, rejected) {
		t.Errorf("err = %v, want wrapped rejection", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		return nil
	}, fastConfig(3))

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("operation must not run with cancelled context")
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("timeout")
		}
		return 42, nil
	}, fastConfig(3))

	if err != nil || got != 42 {
		t.Errorf("got (%d, %v), want (42, nil)", got, err)
	}
}

type classified struct{ retry bool }

func (c classified) Error() string   { return "classified" }
func (c classified) Retryable() bool { return c.retry }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("eof"), true},
		{"canceled", context.Canceled, false},
		{"deadline wrapped", fmt.Errorf("get order: %w", context.DeadlineExceeded), false},
		{"permanent", Permanent(errors.New("bad symbol")), false},
		{"classified retry", classified{retry: true}, true},
		{"classified no retry", fmt.Errorf("wrap: %w", classified{retry: false}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCalculateDelay_Capped(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	cfg.validate()

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := cfg.calculateDelay(i); got != w {
			t.Errorf("delay(%d) = %s, want %s", i, got, w)
		}
	}
}
