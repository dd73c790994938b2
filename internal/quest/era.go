// Package quest はクエストキャッシュへの書き込みと、クエストIDから導出される属性（時代・シーズナル）を扱う。
package quest

// SeasonalIDThreshold 以上のIDを持つクエストはシーズナル（期間限定）として扱う。
const SeasonalIDThreshold = 80000

// UnknownEra はどのバンドにも属さないIDの時代名。
const UnknownEra = "unknown"

// Band はクエストID空間の半開区間[Start, End)と、1回の探索でのサンプル目標数。
// 時代（拡張パック）ごとに1つ定義する。
type Band struct {
	Name    string
	Start   int
	End     int
	Samples int
}

// Width はバンドの幅を返す。
func (b Band) Width() int {
	return b.End - b.Start
}

// Step はサンプル間隔を返す。Samples件で区間全体を覆うよう切り上げる。
func (b Band) Step() int {
	if b.Samples <= 0 || b.Width() <= 0 {
		return max(b.Width(), 1)
	}
	step := (b.Width() + b.Samples - 1) / b.Samples
	return max(step, 1)
}

// Contains はidがバンドに含まれるかを返す。
func (b Band) Contains(id int) bool {
	return id >= b.Start && id < b.End
}

// Candidates は開始オフセットoffsetでのサンプルID列を返す。
// start+offset, start+offset+step, ... のうちEnd未満のものを含む。
func (b Band) Candidates(offset int) []int {
	if offset < 0 {
		offset = 0
	}
	step := b.Step()
	ids := make([]int, 0, b.Samples)
	for id := b.Start + offset; id < b.End; id += step {
		ids = append(ids, id)
	}
	return ids
}

// DefaultBands はデフォルトのバンド定義を返す。区間は互いに素で昇順に並ぶ。
func DefaultBands() []Band {
	return []Band{
		{Name: "classic", Start: 1, End: 10000, Samples: 200},
		{Name: "tbc", Start: 10000, End: 13000, Samples: 120},
		{Name: "wotlk", Start: 13000, End: 14500, Samples: 80},
		{Name: "cataclysm", Start: 14500, End: 30000, Samples: 300},
		{Name: "mop", Start: 30000, End: 34000, Samples: 160},
		{Name: "wod", Start: 34000, End: 40000, Samples: 200},
		{Name: "legion", Start: 40000, End: 50000, Samples: 300},
		{Name: "bfa", Start: 50000, End: 60000, Samples: 300},
		{Name: "shadowlands", Start: 60000, End: 67000, Samples: 250},
		{Name: "dragonflight", Start: 67000, End: 79000, Samples: 350},
		{Name: "tww", Start: 79000, End: 92000, Samples: 400},
	}
}

// EraForID はidが属するバンドの名前を返す。どのバンドにも属さない場合はUnknownEraを返す。
func EraForID(bands []Band, id int) string {
	for _, b := range bands {
		if b.Contains(id) {
			return b.Name
		}
	}
	return UnknownEra
}

// IsSeasonal はidがシーズナルクエストの範囲かを返す。
func IsSeasonal(id int) bool {
	return id >= SeasonalIDThreshold
}
