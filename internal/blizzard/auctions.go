package blizzard

import (
	"context"
	"fmt"

	"github.com/hitoshi/questharvest/internal/model"
)

type auctionsResponse struct {
	Auctions []struct {
		Item struct {
			ID int `json:"id"`
		} `json:"item"`
		Buyout    int64 `json:"buyout"`
		UnitPrice int64 `json:"unit_price"`
		Quantity  int64 `json:"quantity"`
	} `json:"auctions"`
}

// MarketListings はマーケットの現在の出品一覧を取得する。
// marketIDがmodel.CommodityMarketIDの場合はリージョン共通のコモディティ市場を取得する。
// 価格はunit_priceを優先し、ない場合はbuyoutを使用する。
func (c *Client) MarketListings(ctx context.Context, marketID int) ([]model.Listing, error) {
	path := "/data/wow/auctions/commodities"
	if marketID != model.CommodityMarketID {
		path = fmt.Sprintf("/data/wow/connected-realm/%d/auctions", marketID)
	}

	var resp auctionsResponse
	if err := c.getJSON(ctx, EndpointAuctions, path, c.namespace("dynamic"), "", &resp); err != nil {
		return nil, err
	}

	listings := make([]model.Listing, 0, len(resp.Auctions))
	for _, a := range resp.Auctions {
		price := a.UnitPrice
		if price == 0 {
			price = a.Buyout
		}
		listings = append(listings, model.Listing{
			ItemID:   a.Item.ID,
			Price:    price,
			Quantity: a.Quantity,
		})
	}
	return listings, nil
}

// Region はクライアントのリージョンを返す。
func (c *Client) Region() string {
	return c.region
}
