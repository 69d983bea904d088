// Package actor はアクターID（ユーザー）から表示名を解決するディレクトリクライアントを提供する。
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/notefeed/internal/model"
)

const (
	// usersPath は認証サービスのユーザー一括取得APIのパス。
	usersPath = "/api/V2/users"
	// maxIDsPerRequest は1リクエストあたりの最大ID数。
	maxIDsPerRequest = 100
	// maxResponseSize はレスポンスボディの最大サイズ（1MB）。
	maxResponseSize = 1 << 20
)

// Info は解決済みアクターの情報。
type Info struct {
	Type string `json:"type"` // 現状は "user" のみ
	Name string `json:"name"`
}

// Directory はアクターIDを表示名に解決するインターフェース。
// 解決できなかったIDは戻り値のマップに含まれない。
type Directory interface {
	Resolve(ctx context.Context, ids []string) (map[string]Info, error)
}

// HTTPDirectory は認証サービスのユーザー一括取得APIを使用するDirectory実装。
type HTTPDirectory struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	token      string
}

// NewHTTPDirectory はHTTPDirectoryを生成する。
// tokenはAuthorizationヘッダーにそのまま設定される。
func NewHTTPDirectory(httpClient *http.Client, logger *slog.Logger, baseURL, token string) *HTTPDirectory {
	return &HTTPDirectory{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// Resolve は複数IDの表示名を取得する。
// 重複IDは1回だけ問い合わせ、100件単位に分割してリクエストする。
// 通信失敗・エラーステータスはStorageErrorとして返す。
func (d *HTTPDirectory) Resolve(ctx context.Context, ids []string) (map[string]Info, error) {
	unique := dedupe(ids)
	result := make(map[string]Info, len(unique))

	for i := 0; i < len(unique); i += maxIDsPerRequest {
		end := i + maxIDsPerRequest
		if end > len(unique) {
			end = len(unique)
		}

		names, err := d.fetchNames(ctx, unique[i:end])
		if err != nil {
			return nil, model.NewStorageError("actor.resolve", err)
		}
		for id, name := range names {
			if name == "" {
				continue
			}
			result[id] = Info{Type: "user", Name: name}
		}
	}

	return result, nil
}

// fetchNames は1チャンク分のIDについてAPIを呼び出す。
func (d *HTTPDirectory) fetchNames(ctx context.Context, ids []string) (map[string]string, error) {
	reqURL, err := url.Parse(d.baseURL + usersPath)
	if err != nil {
		return nil, fmt.Errorf("ディレクトリURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("list", strings.Join(ids, ","))
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", d.token)
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error("アクターディレクトリの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("id_count", len(ids)),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Error("アクターディレクトリがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.Int("id_count", len(ids)),
		)
		return nil, fmt.Errorf("アクターディレクトリがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var names map[string]string
	if err := json.Unmarshal(body, &names); err != nil {
		d.logger.Error("アクターディレクトリのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	return names, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// compile-time interface check
var _ Directory = (*HTTPDirectory)(nil)
