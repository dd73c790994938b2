package model

import "time"

// QuestDetails は外部APIから取得したクエスト詳細。
type QuestDetails struct {
	ID           int
	Name         string
	AreaID       int
	AreaName     string
	CategoryID   int
	CategoryName string
	TypeID       int
	TypeName     string
}

// Quest はクエストマスタ（共有キャッシュ）のレコード。
// IDをキーに冪等にUPSERTされ、再発見時は表示用フィールドのみ更新される。
type Quest struct {
	QuestDetails
	Era        string
	IsSeasonal bool
	UpdatedAt  time.Time
}

// Character はオーナーの同期済みキャラクター。
type Character struct {
	ID        int64
	OwnerID   string
	Name      string
	RealmSlug string
	Level     int
}

// Session は外部ログイン層が発行したセッション。
// このサービスは参照のみ行う。
type Session struct {
	ID          string
	UserID      string
	AccessToken string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}
