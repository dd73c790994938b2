package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/questharvest/internal/model"
)

// mockGate はテスト用のGate実装。
type mockGate struct {
	admitErr  error
	admits    int
	errors    int
	successes int
}

func (g *mockGate) Admit(ctx context.Context) error {
	g.admits++
	return g.admitErr
}

func (g *mockGate) ReportError()   { g.errors++ }
func (g *mockGate) ReportSuccess() { g.successes++ }

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	gate := &mockGate{}
	calls := 0

	err := Do(context.Background(), gate, fastPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if gate.admits != 1 || gate.successes != 1 || gate.errors != 0 {
		t.Errorf("gate = %+v, want 1 admit and 1 success", gate)
	}
}

func TestDo_RateLimitedThenSuccess(t *testing.T) {
	gate := &mockGate{}
	calls := 0

	err := Do(context.Background(), gate, fastPolicy(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return model.ErrRateLimited
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if gate.admits != 3 {
		t.Errorf("すべての試行でAdmitを呼ぶべき: admits = %d", gate.admits)
	}
	if gate.errors != 2 {
		t.Errorf("スロットリングはReportErrorで報告すべき: errors = %d, want 2", gate.errors)
	}
	if gate.successes != 1 {
		t.Errorf("successes = %d, want 1", gate.successes)
	}
}

func TestDo_RateLimitedExhaustsAttempts(t *testing.T) {
	gate := &mockGate{}
	calls := 0

	err := Do(context.Background(), gate, fastPolicy(), func(ctx context.Context) error {
		calls++
		return model.ErrRateLimited
	})
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("err = %v, want wrapping ErrRateLimited", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if gate.errors != 3 {
		t.Errorf("errors = %d, want 3", gate.errors)
	}
}

func TestDo_NotFoundIsNotRetried(t *testing.T) {
	gate := &mockGate{}
	calls := 0

	err := Do(context.Background(), gate, fastPolicy(), func(ctx context.Context) error {
		calls++
		return model.ErrNotFound
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if calls != 1 {
		t.Errorf("404は再試行すべきでない: calls = %d", calls)
	}
	if gate.errors != 0 {
		t.Errorf("404はリミッターのエラーとして扱わない: errors = %d", gate.errors)
	}
}

func TestDo_TransientRetriedWithoutAdaptingLimiter(t *testing.T) {
	gate := &mockGate{}
	calls := 0

	err := Do(context.Background(), gate, fastPolicy(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &model.StatusError{StatusCode: 503, Endpoint: "quest"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if gate.errors != 0 {
		t.Errorf("一時的障害でReportErrorを呼ぶべきでない: errors = %d", gate.errors)
	}
}

func TestDo_PermanentErrorReturnsImmediately(t *testing.T) {
	gate := &mockGate{}
	calls := 0
	permanent := &model.StatusError{StatusCode: 403, Endpoint: "profile"}

	err := Do(context.Background(), gate, fastPolicy(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	var se *model.StatusError
	if !errors.As(err, &se) || se.StatusCode != 403 {
		t.Fatalf("err = %v, want StatusError 403", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_AdmitErrorStops(t *testing.T) {
	gate := &mockGate{admitErr: context.Canceled}
	calls := 0

	err := Do(context.Background(), gate, fastPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("許可が得られない場合fnを呼ぶべきでない: calls = %d", calls)
	}
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	gate := &mockGate{}
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Do(ctx, gate, policy, func(ctx context.Context) error {
		return model.ErrRateLimited
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestDoValue_ReturnsValue(t *testing.T) {
	gate := &mockGate{}

	got, err := DoValue(context.Background(), gate, fastPolicy(), func(ctx context.Context) ([]int, error) {
		return []int{1, 2, 3}, nil
	})
	if err != nil {
		t.Fatalf("DoValue returned error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}
}

func TestBackoff_Exponential(t *testing.T) {
	p := Policy{BaseDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_JitterBounded(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 100; i++ {
		got := p.Backoff(1)
		if got < 2*time.Second || got >= 3*time.Second {
			t.Fatalf("Backoff(1) = %v, want [2s, 3s)", got)
		}
	}
}
