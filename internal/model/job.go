package model

import "time"

// JobStatus はハーベストジョブの状態を表す。
type JobStatus string

const (
	// JobStatusQueued はキュー待ちの状態。
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing はワーカーが実行中の状態。システム全体で同時に1件のみ。
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted は正常終了（キャラクター単位のエラーを含みうる）。
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed はジョブ全体の失敗。
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal は終端状態かどうかを返す。
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobPhase はジョブ実行中のフェーズを表す。
type JobPhase string

const (
	JobPhaseQueued     JobPhase = "queued"
	JobPhaseCharacters JobPhase = "characters"
	JobPhaseQuests     JobPhase = "quests"
	JobPhaseSummary    JobPhase = "summary"
	JobPhaseDiscovery  JobPhase = "discovery"
	JobPhaseDone       JobPhase = "done"
)

// JobProgress はジョブの進捗。実行中もステータス照会から参照できる。
type JobProgress struct {
	Phase               JobPhase `json:"phase"`
	CharactersProcessed int      `json:"characters_processed"`
	CharactersTotal     int      `json:"characters_total"`
	QuestsProcessed     int      `json:"quests_processed"`
	QuestsContributed   int      `json:"quests_contributed"`
	Errors              []string `json:"errors"`
}

// Job はアカウント1件分のハーベスト要求。
// 削除されず、ステータス照会のために保持される（保持期間はQueue.Pruneで制御）。
type Job struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"owner_id"`
	Status        JobStatus   `json:"status"`
	QueuePosition int         `json:"queue_position,omitempty"` // queued の間のみ有効（1始まり）
	Progress      JobProgress `json:"progress"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	EndedAt       *time.Time  `json:"ended_at,omitempty"`
}

// Clone はジョブのディープコピーを返す。
// ステータス照会はワーカーが更新中のレコードを直接共有しない。
func (j *Job) Clone() *Job {
	c := *j
	c.Progress.Errors = append([]string(nil), j.Progress.Errors...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	return &c
}
