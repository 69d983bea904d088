package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/notefeed/internal/model"
	"github.com/lib/pq"
)

// activityColumns はactivitiesテーブルのSELECT列。scanActivityと順序を揃える。
const activityColumns = `id, actor, verb, object, source, target, context, level,
	external_key, users, unseen, created_at, expires_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(s rowScanner) (*model.Activity, error) {
	a := &model.Activity{}
	var verb, level string
	var contextJSON []byte
	var externalKey sql.NullString

	if err := s.Scan(
		&a.ID, &a.Actor, &verb, &a.Object, &a.Source,
		pq.Array(&a.Target), &contextJSON, &level,
		&externalKey, pq.Array(&a.Users), pq.Array(&a.Unseen),
		&a.Created, &a.Expires,
	); err != nil {
		return nil, err
	}

	a.Verb = model.Verb(verb)
	a.Level = model.Level(level)
	a.ExternalKey = nullStringValue(externalKey)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &a.Context); err != nil {
			return nil, fmt.Errorf("contextのデコードに失敗しました: %w", err)
		}
	}

	return a, nil
}

// nullString は空文字をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringの値を返す。NULLの場合は空文字を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// uniqueStrings は出現順を保ったまま重複と空文字を除く。
func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
