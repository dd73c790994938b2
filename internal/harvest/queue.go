// Package harvest はアカウント単位のクエスト収集ジョブを管理する。
//
// ジョブはプロセス内のFIFOキューに積まれ、単一のワーカーゴルーチンが1件ずつ処理する。
// ワーカーはキューが空になると終了し、次の投入時に再び起動する。
// ジョブの状態と進捗はメモリ上にのみ保持され、プロセス再起動で失われる。
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/questharvest/internal/metrics"
	"github.com/hitoshi/questharvest/internal/model"
)

// ErrQueueClosed はシャットダウン後に投入されたことを示す。
var ErrQueueClosed = errors.New("harvest queue is closed")

// Runner はジョブ本体を実行するインターフェース。
// 戻り値のエラーはジョブ全体の失敗として記録される。
type Runner interface {
	Run(ctx context.Context, t *Tracker) error
}

// QueueConfig はキューの設定。
type QueueConfig struct {
	// JobInterval はジョブ間の待機時間（デフォルト: 2秒）。
	JobInterval time.Duration
}

type entry struct {
	job         *model.Job
	accessToken string
}

// Queue はプロセス内のジョブキュー。
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	pending []*entry
	running bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runner  Runner
	cfg     QueueConfig
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewQueue はQueueの新しいインスタンスを生成する。
// ctxはワーカーと、ジョブから起動されるバックグラウンド処理の親コンテキストとなる。
func NewQueue(ctx context.Context, runner Runner, cfg QueueConfig, logger *slog.Logger, collector metrics.MetricsCollector) *Queue {
	if cfg.JobInterval < 0 {
		cfg.JobInterval = 0
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Queue{
		jobs:    make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
	}
}

// Enqueue はジョブを作成してキュー末尾に追加し、その時点のスナップショットを返す。
// ワーカーが停止中であれば起動する。呼び出し元はジョブの完了を待たない。
func (q *Queue) Enqueue(ownerID, accessToken string) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.ctx.Err() != nil {
		return nil, ErrQueueClosed
	}

	e := &entry{
		job: &model.Job{
			ID:      uuid.NewString(),
			OwnerID: ownerID,
			Status:  model.JobStatusQueued,
			Progress: model.JobProgress{
				Phase:  model.JobPhaseQueued,
				Errors: []string{},
			},
			CreatedAt: q.now(),
		},
		accessToken: accessToken,
	}
	q.jobs[e.job.ID] = e
	q.pending = append(q.pending, e)
	e.job.QueuePosition = len(q.pending)
	q.metrics.SetQueueDepth(len(q.pending))

	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.run()
	}

	q.logger.Info("収集ジョブをキューに追加しました",
		slog.String("job_id", e.job.ID),
		slog.String("owner_id", ownerID),
		slog.Int("queue_position", e.job.QueuePosition),
	)
	return e.job.Clone(), nil
}

// Status は指定ジョブのスナップショットを返す。存在しない場合はmodel.ErrJobNotFoundを返す。
func (q *Queue) Status(jobID string) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[jobID]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return e.job.Clone(), nil
}

// Len は待機中のジョブ数を返す。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Prune は終了からolderThan以上経過した終端状態のジョブを削除し、削除件数を返す。
func (q *Queue) Prune(olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-olderThan)
	removed := 0
	for id, e := range q.jobs {
		if !e.job.Status.IsTerminal() || e.job.EndedAt == nil {
			continue
		}
		if e.job.EndedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}

// StartPruner は保持期間を過ぎたジョブを定期的に削除する。
// コンテキストがキャンセルされるまでブロックする。retentionが0以下の場合は何もせずに戻る。
func (q *Queue) StartPruner(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(max(retention/4, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.Prune(retention); n > 0 {
				q.logger.Info("保持期間を過ぎた収集ジョブを削除しました", slog.Int("removed", n))
			}
		}
	}
}

// Close は新規ジョブの受け付けを停止する。実行中と待機中のジョブには影響しない。
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Shutdown はワーカーを停止し、実行中のジョブが戻るまで待機する。
// 待機中のジョブはqueuedのまま残る。
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Close()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run はキューが空になるまでジョブを1件ずつ処理する。
func (q *Queue) run() {
	defer q.wg.Done()

	for {
		e := q.dequeue()
		if e == nil {
			return
		}

		q.execute(e)

		if q.cfg.JobInterval > 0 && q.Len() > 0 {
			timer := time.NewTimer(q.cfg.JobInterval)
			select {
			case <-q.ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

// dequeue は先頭のジョブを取り出してprocessingにする。
// キューが空またはシャットダウン済みの場合はワーカーの停止を記録してnilを返す。
func (q *Queue) dequeue() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || q.ctx.Err() != nil {
		q.running = false
		return nil
	}

	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	for i, p := range q.pending {
		p.job.QueuePosition = i + 1
	}
	q.metrics.SetQueueDepth(len(q.pending))

	now := q.now()
	e.job.Status = model.JobStatusProcessing
	e.job.QueuePosition = 0
	e.job.StartedAt = &now
	return e
}

// execute はジョブ本体を実行し、終端状態を記録する。
// ジョブ本体のパニックはジョブの失敗として扱い、ワーカーは継続する。
func (q *Queue) execute(e *entry) {
	t := &Tracker{q: q, e: e}

	q.logger.Info("収集ジョブを開始します",
		slog.String("job_id", e.job.ID),
		slog.String("owner_id", e.job.OwnerID),
	)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return q.runner.Run(q.ctx, t)
	}()

	q.mu.Lock()
	now := q.now()
	e.job.EndedAt = &now
	e.job.Progress.Phase = model.JobPhaseDone
	if err != nil {
		e.job.Status = model.JobStatusFailed
		e.job.Error = err.Error()
	} else {
		e.job.Status = model.JobStatusCompleted
	}
	status := e.job.Status
	started := *e.job.StartedAt
	progress := e.job.Progress
	q.mu.Unlock()

	// アクセストークンは実行後に保持しない
	e.accessToken = ""

	q.metrics.RecordJobFinished(string(status), now.Sub(started))

	attrs := []any{
		slog.String("job_id", e.job.ID),
		slog.String("status", string(status)),
		slog.Int("characters", progress.CharactersProcessed),
		slog.Int("quests_processed", progress.QuestsProcessed),
		slog.Int("quests_contributed", progress.QuestsContributed),
		slog.Int("character_errors", len(progress.Errors)),
		slog.Duration("elapsed", now.Sub(started)),
	}
	if err != nil {
		q.logger.Warn("収集ジョブが失敗しました", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	q.logger.Info("収集ジョブが完了しました", attrs...)
}
