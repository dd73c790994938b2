package marketsync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/questharvest/internal/market"
	"github.com/hitoshi/questharvest/internal/model"
	"github.com/hitoshi/questharvest/internal/retry"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

type nopGate struct{}

func (nopGate) Admit(ctx context.Context) error { return ctx.Err() }
func (nopGate) ReportError()                    {}
func (nopGate) ReportSuccess()                  {}

// mockSource はテスト用のListingSource実装。
type mockSource struct {
	marketListingsFunc func(ctx context.Context, marketID int) ([]model.Listing, error)
}

func (m *mockSource) MarketListings(ctx context.Context, marketID int) ([]model.Listing, error) {
	return m.marketListingsFunc(ctx, marketID)
}

// mockWriter はテスト用のSnapshotWriter実装。
type mockWriter struct {
	mu      sync.Mutex
	markets []int
	regions []string
}

func (m *mockWriter) UpsertMarketSnapshot(ctx context.Context, marketID int, listings []model.Listing, region string) (market.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets = append(m.markets, marketID)
	m.regions = append(m.regions, region)
	return market.Result{Items: len(listings), Listings: len(listings), Batches: 1}, nil
}

func newTestScheduler(buf *bytes.Buffer, source ListingSource, writer SnapshotWriter, ids []int, concurrency int) *Scheduler {
	return NewScheduler(source, writer, nopGate{}, Config{
		MarketIDs:      ids,
		Region:         "us",
		MaxConcurrency: concurrency,
		Retry:          retry.Policy{MaxAttempts: 1},
	}, newTestLogger(buf))
}

func TestNewScheduler_DefaultConcurrency(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(&mockSource{}, &mockWriter{}, nopGate{}, Config{}, newTestLogger(&buf))
	if s.cfg.MaxConcurrency != 1 {
		t.Errorf("MaxConcurrency = %d, want 1", s.cfg.MaxConcurrency)
	}
}

func TestScheduler_RunOnce_SyncsAllMarkets(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{
		marketListingsFunc: func(ctx context.Context, marketID int) ([]model.Listing, error) {
			return []model.Listing{{ItemID: 1, Price: 10, Quantity: 1}}, nil
		},
	}
	writer := &mockWriter{}
	s := newTestScheduler(&buf, source, writer, []int{0, 3676, 1146}, 2)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(writer.markets) != 3 {
		t.Errorf("synced markets = %v, want 3", writer.markets)
	}
	for _, r := range writer.regions {
		if r != "us" {
			t.Errorf("region = %q, want us", r)
		}
	}
}

func TestScheduler_RunOnce_FailureDoesNotStopOthers(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{
		marketListingsFunc: func(ctx context.Context, marketID int) ([]model.Listing, error) {
			if marketID == 3676 {
				return nil, &model.StatusError{StatusCode: 403, Endpoint: "auctions"}
			}
			return []model.Listing{{ItemID: 1, Price: 10}}, nil
		},
	}
	writer := &mockWriter{}
	s := newTestScheduler(&buf, source, writer, []int{0, 3676, 1146}, 1)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("一部の失敗ではエラーを返さない: %v", err)
	}
	if len(writer.markets) != 2 {
		t.Errorf("synced markets = %v, want 2", writer.markets)
	}
	if !strings.Contains(buf.String(), "マーケットの同期に失敗しました") {
		t.Error("失敗したマーケットのエラーログが出力されるべき")
	}
}

func TestScheduler_RunOnce_AllFailReturnsError(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{
		marketListingsFunc: func(ctx context.Context, marketID int) ([]model.Listing, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	s := newTestScheduler(&buf, source, &mockWriter{}, []int{0, 1}, 2)

	if err := s.RunOnce(context.Background()); err == nil {
		t.Error("全マーケットの失敗ではエラーを返すべき")
	}
}

func TestScheduler_RunOnce_ConcurrencyLimit(t *testing.T) {
	var buf bytes.Buffer
	var active, maxActive atomic.Int32
	source := &mockSource{
		marketListingsFunc: func(ctx context.Context, marketID int) ([]model.Listing, error) {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return nil, nil
		},
	}
	s := newTestScheduler(&buf, source, &mockWriter{}, []int{1, 2, 3, 4, 5, 6}, 2)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if got := maxActive.Load(); got > 2 {
		t.Errorf("最大並列数 = %d, want <= 2", got)
	}
}

func TestScheduler_RunOnce_NoMarkets(t *testing.T) {
	var buf bytes.Buffer
	s := newTestScheduler(&buf, &mockSource{}, &mockWriter{}, nil, 2)

	if err := s.RunOnce(context.Background()); err != nil {
		t.Errorf("RunOnce returned error: %v", err)
	}
}

func TestScheduler_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	var calls atomic.Int32
	source := &mockSource{
		marketListingsFunc: func(ctx context.Context, marketID int) ([]model.Listing, error) {
			calls.Add(1)
			return nil, nil
		},
	}
	s := newTestScheduler(&buf, source, &mockWriter{}, []int{0}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}
	if calls.Load() != 1 {
		t.Errorf("起動直後に1回同期すべき: calls = %d", calls.Load())
	}
}

// countingGate はAdmitの呼び出し回数を数えるGate。
type countingGate struct {
	admits atomic.Int32
}

func (g *countingGate) Admit(ctx context.Context) error {
	g.admits.Add(1)
	return ctx.Err()
}
func (g *countingGate) ReportError()   {}
func (g *countingGate) ReportSuccess() {}

func TestScheduler_RunOnce_CancelDoesNotWaitForSemaphore(t *testing.T) {
	var buf bytes.Buffer
	started := make(chan struct{})
	release := make(chan struct{})
	source := &mockSource{
		marketListingsFunc: func(ctx context.Context, marketID int) ([]model.Listing, error) {
			if marketID == 1 {
				close(started)
				<-release
			}
			return nil, nil
		},
	}
	gate := &countingGate{}
	s := NewScheduler(source, &mockWriter{}, gate, Config{
		MarketIDs: []int{1, 2, 3},
		Region:    "us",
		Retry:     retry.Policy{MaxAttempts: 1},
	}, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunOnce(ctx) }()

	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce did not return after cancel")
	}

	if got := gate.admits.Load(); got != 1 {
		t.Errorf("Admit calls = %d, want 1 (markets after cancel must not start)", got)
	}
}
