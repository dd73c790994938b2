package blizzard

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/hitoshi/questharvest/internal/model"
)

// ref はAPIレスポンス中の{id, name}形式の参照。
type ref struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type questResponse struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Area     *ref   `json:"area"`
	Category *ref   `json:"category"`
	Type     *ref   `json:"type"`
}

type completedQuestsResponse struct {
	Quests []struct {
		ID int `json:"id"`
	} `json:"quests"`
}

// QuestDetails はクエスト詳細を取得する。
// 存在しないIDの場合はmodel.ErrNotFoundを返す。
func (c *Client) QuestDetails(ctx context.Context, id int) (*model.QuestDetails, error) {
	var resp questResponse
	path := fmt.Sprintf("/data/wow/quest/%d", id)
	if err := c.getJSON(ctx, EndpointQuest, path, c.namespace("static"), "", &resp); err != nil {
		return nil, err
	}

	details := &model.QuestDetails{
		ID:   resp.ID,
		Name: resp.Title,
	}
	if details.ID == 0 {
		details.ID = id
	}
	if resp.Area != nil {
		details.AreaID = resp.Area.ID
		details.AreaName = resp.Area.Name
	}
	if resp.Category != nil {
		details.CategoryID = resp.Category.ID
		details.CategoryName = resp.Category.Name
	}
	if resp.Type != nil {
		details.TypeID = resp.Type.ID
		details.TypeName = resp.Type.Name
	}
	return details, nil
}

// CompletedQuests はキャラクターの完了済みクエストIDの一覧を取得する。
// accessTokenはオーナーのユーザートークン。空の場合はアプリケーション用トークンを使用する。
func (c *Client) CompletedQuests(ctx context.Context, accessToken, realmSlug, characterName string) ([]int, error) {
	path := fmt.Sprintf("/profile/wow/character/%s/%s/quests/completed",
		url.PathEscape(strings.ToLower(realmSlug)),
		url.PathEscape(strings.ToLower(characterName)),
	)

	var resp completedQuestsResponse
	if err := c.getJSON(ctx, EndpointCompleted, path, c.namespace("profile"), accessToken, &resp); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(resp.Quests))
	for _, q := range resp.Quests {
		if q.ID > 0 {
			ids = append(ids, q.ID)
		}
	}
	return ids, nil
}
