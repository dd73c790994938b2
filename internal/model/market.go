package model

import "time"

// CommodityMarketID はリージョン全体のコモディティ市場を表す合成マーケットID。
const CommodityMarketID = 0

// Listing は外部APIから取得した生の出品情報。
// Priceが0の出品は価格情報を持たないものとして集計前に破棄される。
type Listing struct {
	ItemID   int
	Price    int64
	Quantity int64
}

// MarketRecord は (market_id, item_id, region) 単位に集計された価格スナップショット。
type MarketRecord struct {
	MarketID      int       `json:"market_id"`
	ItemID        int       `json:"item_id"`
	Region        string    `json:"region"`
	MinPrice      int64     `json:"min_price"`
	AvgPrice      int64     `json:"avg_price"`
	TotalQuantity int64     `json:"total_quantity"`
	ListingCount  int       `json:"listing_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}
