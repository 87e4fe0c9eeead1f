package retry

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	apperrors "lanshare/internal/errors"
)

type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func (r *recorder) total() time.Duration {
	var sum time.Duration
	for _, d := range r.delays {
		sum += d
	}
	return sum
}

func TestBackoffScheduleSucceedsOnThirdAttempt(t *testing.T) {
	rec := &recorder{}
	c := New(DefaultPolicy(), WithSleep(rec.sleep), WithLogger(zaptest.NewLogger(t)))

	attempts, err := c.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return apperrors.Connection("test", "connection reset", io.ErrUnexpectedEOF)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", rec.delays, want)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rec.delays[i], want[i])
		}
	}
	if rec.total() != 6*time.Second {
		t.Errorf("total delay = %v, want 6s", rec.total())
	}
}

func TestExhaustedCarriesLastErrorAndCount(t *testing.T) {
	rec := &recorder{}
	c := New(Policy{MaxAttempts: 3, BaseDelay: time.Second}, WithSleep(rec.sleep))

	calls := 0
	attempts, err := c.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		return apperrors.Connection("test", "dial", errors.New("refused "+string(rune('0'+attempt))))
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want *ExhaustedError", err)
	}
	if exhausted.Attempts != 3 || attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d/%d, calls = %d; want 3", exhausted.Attempts, attempts, calls)
	}
	if got := exhausted.Err.Error(); got != "test: dial: refused 3" {
		t.Errorf("last error = %q", got)
	}
	if !apperrors.Is(err, apperrors.ErrConnection) {
		t.Error("exhausted error does not unwrap to the connection error")
	}
	if rec.total() != 3*time.Second {
		t.Errorf("delays = %v, want 1s+2s", rec.delays)
	}
}

func TestFatalErrorShortCircuits(t *testing.T) {
	rec := &recorder{}
	c := New(DefaultPolicy(), WithSleep(rec.sleep))

	attempts, err := c.Do(context.Background(), func(context.Context, int) error {
		return apperrors.FileIO("test", "open source", os.ErrPermission)
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("err = %v, want permission error", err)
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		t.Error("fatal error was reported as exhausted")
	}
	if len(rec.delays) != 0 {
		t.Errorf("slept %v before a fatal error", rec.delays)
	}
}

func TestNotifyAndRealSleep(t *testing.T) {
	var notified []int
	c := New(Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond},
		WithNotify(func(attempt int, _ time.Duration, _ error) { notified = append(notified, attempt) }))

	start := time.Now()
	_, err := c.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return apperrors.Connection("test", "reset", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed %v, want at least 30ms of backoff", elapsed)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("notified = %v", notified)
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(Policy{MaxAttempts: 5, BaseDelay: time.Hour})
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	attempts, err := c.Do(ctx, func(context.Context, int) error {
		return apperrors.Connection("test", "reset", nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDelays(t *testing.T) {
	got := New(Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second}).Delays()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("Delays() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delays()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
