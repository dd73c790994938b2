package harvest

import "github.com/hitoshi/questharvest/internal/model"

// Tracker は実行中のジョブの進捗を更新するハンドル。
// 更新はキューのロック下で行われ、ステータス照会と競合しない。
type Tracker struct {
	q *Queue
	e *entry
}

// JobID はジョブIDを返す。
func (t *Tracker) JobID() string {
	return t.e.job.ID
}

// OwnerID はジョブのオーナーIDを返す。
func (t *Tracker) OwnerID() string {
	return t.e.job.OwnerID
}

// AccessToken はジョブ投入時に渡されたオーナーのアクセストークンを返す。
func (t *Tracker) AccessToken() string {
	return t.e.accessToken
}

// SetPhase は現在のフェーズを更新する。
func (t *Tracker) SetPhase(phase model.JobPhase) {
	t.update(func(p *model.JobProgress) { p.Phase = phase })
}

// SetCharactersTotal は処理対象のキャラクター数を設定する。
func (t *Tracker) SetCharactersTotal(n int) {
	t.update(func(p *model.JobProgress) { p.CharactersTotal = n })
}

// CharacterDone は処理済みキャラクター数を1増やす。
func (t *Tracker) CharacterDone() {
	t.update(func(p *model.JobProgress) { p.CharactersProcessed++ })
}

// AddQuests は処理済みクエスト数とキャッシュへの追加数を加算する。
func (t *Tracker) AddQuests(processed, contributed int) {
	t.update(func(p *model.JobProgress) {
		p.QuestsProcessed += processed
		p.QuestsContributed += contributed
	})
}

// AddError はキャラクター単位のエラーを記録する。ジョブは継続する。
func (t *Tracker) AddError(msg string) {
	t.update(func(p *model.JobProgress) { p.Errors = append(p.Errors, msg) })
}

// Progress は現在の進捗のコピーを返す。
func (t *Tracker) Progress() model.JobProgress {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	p := t.e.job.Progress
	p.Errors = append([]string(nil), p.Errors...)
	return p
}

func (t *Tracker) update(fn func(p *model.JobProgress)) {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	fn(&t.e.job.Progress)
}
