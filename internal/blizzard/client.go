// Package blizzard はBattle.net Game Data / Profile APIのクライアントを提供する。
//
// クライアントはアプリケーション用アクセストークンをOAuth2クライアントクレデンシャルフローで取得し、
// 有効期限の手前まで再利用する。再試行は行わず、ステータスを型付きエラーに変換して返すのみとし、
// 再試行とレート制御は呼び出し元（retryパッケージと共有リミッター）が担う。
package blizzard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/hitoshi/questharvest/internal/metrics"
	"github.com/hitoshi/questharvest/internal/model"
)

const (
	// defaultTokenURL はBattle.netのOAuth2トークンエンドポイント。
	defaultTokenURL = "https://oauth.battle.net/token"
	// maxResponseBytes はレスポンスボディの最大サイズ。コモディティのオークション一覧は数十MBになる。
	maxResponseBytes = 512 << 20
	userAgent        = "QuestHarvest/1.0"
)

// エンドポイントラベル（メトリクス・ログ用）
const (
	EndpointQuest     = "quest"
	EndpointCompleted = "completed_quests"
	EndpointAuctions  = "auctions"
	EndpointToken     = "token"
)

// Config はクライアントの設定。
type Config struct {
	ClientID     string
	ClientSecret string
	Region       string
	Locale       string
	Timeout      time.Duration
	// TokenMargin はトークンの有効期限のどれだけ手前で再取得するか。
	TokenMargin time.Duration
	// BaseURL と TokenURL は空の場合リージョンから導出する。テスト用に差し替え可能。
	BaseURL  string
	TokenURL string
}

// Client はBattle.net APIのクライアント。
type Client struct {
	httpClient *http.Client
	tokens     oauth2.TokenSource
	baseURL    string
	region     string
	locale     string
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(cfg Config, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	if cfg.Region == "" {
		cfg.Region = "us"
	}
	cfg.Region = strings.ToLower(cfg.Region)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.TokenMargin < 0 {
		cfg.TokenMargin = 0
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("https://%s.api.blizzard.com", cfg.Region)
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if collector == nil {
		collector = metrics.Nop{}
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	fetcher := &tokenFetcher{
		cfg: cc,
		ctx: context.WithValue(context.Background(), oauth2.HTTPClient, httpClient),
	}

	return &Client{
		httpClient: httpClient,
		tokens:     oauth2.ReuseTokenSourceWithExpiry(nil, fetcher, cfg.TokenMargin),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		region:     cfg.Region,
		locale:     cfg.Locale,
		logger:     logger,
		metrics:    collector,
	}
}

// tokenFetcher はクライアントクレデンシャルフローでトークンを取得するTokenSource。
// キャッシュはReuseTokenSourceWithExpiryが担う。
type tokenFetcher struct {
	cfg *clientcredentials.Config
	ctx context.Context
}

func (f *tokenFetcher) Token() (*oauth2.Token, error) {
	return f.cfg.Token(f.ctx)
}

// AccessToken はアプリケーション用アクセストークンを返す。
// キャッシュ済みトークンが有効期限の手前であれば再利用する。
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := time.Now()
	tok, err := c.tokens.Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil {
			c.metrics.RecordAPICall(EndpointToken, outcomeForStatus(rErr.Response.StatusCode), time.Since(start))
			if mapped := classifyStatus(rErr.Response.StatusCode, EndpointToken); mapped != nil {
				return "", fmt.Errorf("アクセストークンの取得に失敗しました: %w", mapped)
			}
		} else {
			c.metrics.RecordAPICall(EndpointToken, metrics.OutcomeError, time.Since(start))
		}
		return "", fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
	}
	return tok.AccessToken, nil
}

// classifyStatus はHTTPステータスコードを型付きエラーに変換する。2xxの場合はnilを返す。
func classifyStatus(statusCode int, endpoint string) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests:
		return model.ErrRateLimited
	case statusCode == http.StatusNotFound:
		return model.ErrNotFound
	default:
		return &model.StatusError{StatusCode: statusCode, Endpoint: endpoint}
	}
}

func outcomeForStatus(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return metrics.OutcomeOK
	case statusCode == http.StatusTooManyRequests:
		return metrics.OutcomeRateLimited
	case statusCode == http.StatusNotFound:
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeError
	}
}

// namespace はリージョン付きのAPIネームスペースを返す（例: static-us）。
func (c *Client) namespace(kind string) string {
	return kind + "-" + c.region
}

// getJSON はAPIにGETリクエストを送信し、レスポンスをoutにデコードする。
// bearerが空の場合はアプリケーション用トークンを使用する。
func (c *Client) getJSON(ctx context.Context, endpoint, path, namespace, bearer string, out any) error {
	if bearer == "" {
		tok, err := c.AccessToken(ctx)
		if err != nil {
			return err
		}
		bearer = tok
	}

	reqURL, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("リクエストURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("namespace", namespace)
	if c.locale != "" {
		q.Set("locale", c.locale)
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordAPICall(endpoint, metrics.OutcomeError, time.Since(start))
		c.logger.Debug("Battle.net APIの呼び出しに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s の呼び出しに失敗しました: %w", endpoint, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordAPICall(endpoint, outcomeForStatus(resp.StatusCode), time.Since(start))

	if err := classifyStatus(resp.StatusCode, endpoint); err != nil {
		// 接続再利用のためボディを読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		if !errors.Is(err, model.ErrNotFound) {
			c.logger.Debug("Battle.net APIがエラーステータスを返しました",
				slog.String("endpoint", endpoint),
				slog.Int("http_status", resp.StatusCode),
			)
		}
		return err
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%s のレスポンスJSONのパースに失敗しました: %w", endpoint, err)
	}
	return nil
}
