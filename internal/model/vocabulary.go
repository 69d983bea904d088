package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Verb はアクティビティの動作種別を表す。
type Verb string

const (
	VerbInvite  Verb = "invite"
	VerbAccept  Verb = "accept"
	VerbReject  Verb = "reject"
	VerbShare   Verb = "share"
	VerbUnshare Verb = "unshare"
	VerbJoin    Verb = "join"
	VerbLeave   Verb = "leave"
	VerbRequest Verb = "request"
	VerbUpdate  Verb = "update"
	VerbPublish Verb = "publish"
)

// pastTenses は各Verbの過去形。ユーザー向けビューで使用する。
var pastTenses = map[Verb]string{
	VerbInvite:  "invited",
	VerbAccept:  "accepted",
	VerbReject:  "rejected",
	VerbShare:   "shared",
	VerbUnshare: "unshared",
	VerbJoin:    "joined",
	VerbLeave:   "left",
	VerbRequest: "requested",
	VerbUpdate:  "updated",
	VerbPublish: "published",
}

// verbCodes は数値コード順のVerb。コードは1始まりで、既存クライアントとの互換のため並びを変えない。
var verbCodes = []Verb{
	VerbInvite, VerbAccept, VerbReject, VerbShare, VerbUnshare,
	VerbJoin, VerbLeave, VerbRequest, VerbUpdate, VerbPublish,
}

// levelCodes は数値コード順のLevel。
var levelCodes = []Level{LevelAlert, LevelWarning, LevelError, LevelRequest}

// lookupCode はsが1始まりの数値コードであればcodesの対応要素を返す。
func lookupCode[T any](codes []T, s string) (T, bool) {
	var zero T
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > len(codes) {
		return zero, false
	}
	return codes[n-1], true
}

// PastTense はVerbの過去形を返す。未知のVerbはそのまま返す。
func (v Verb) PastTense() string {
	if p, ok := pastTenses[v]; ok {
		return p
	}
	return string(v)
}

// ParseVerb は文字列をVerbに変換する。
// 原形・過去形・数値コードを受け付け、大文字小文字を区別しない。
func ParseVerb(s string) (Verb, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if v, ok := lookupCode(verbCodes, key); ok {
		return v, nil
	}
	for v, past := range pastTenses {
		if key == string(v) || key == past {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown verb: %q", s)
}

// Level は通知の重要度カテゴリを表す。
type Level string

const (
	LevelAlert   Level = "alert"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelRequest Level = "request"
)

// DefaultLevel はレベル未指定時に使用するレベル。
const DefaultLevel = LevelAlert

// ParseLevel は名前または数値コードをLevelに変換する。大文字小文字を区別しない。
func ParseLevel(s string) (Level, error) {
	key := strings.TrimSpace(s)
	if l, ok := lookupCode(levelCodes, key); ok {
		return l, nil
	}
	switch Level(strings.ToLower(key)) {
	case LevelAlert:
		return LevelAlert, nil
	case LevelWarning:
		return LevelWarning, nil
	case LevelError:
		return LevelError, nil
	case LevelRequest:
		return LevelRequest, nil
	default:
		return "", fmt.Errorf("unknown level: %q", s)
	}
}
