// Package security は外部入力の無害化と外向き通信の制限を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer は通知の保存前に外部由来のテキストを無害化する。
type Sanitizer interface {
	// SanitizeText は全てのタグを除去したプレーンテキストを返す。
	SanitizeText(s string) string

	// SanitizeHTML は許可タグのみを残したHTMLを返す。告知本文の要約に使用する。
	SanitizeHTML(rawHTML string) string

	// SanitizeContext はコンテキスト内の文字列値を再帰的にSanitizeTextする。
	SanitizeContext(ctx map[string]any) map[string]any
}

// sanitizer はbluemondayのポリシーを保持する。ポリシーはゴルーチンセーフ。
type sanitizer struct {
	strict *bluemonday.Policy
	rich   *bluemonday.Policy
}

var _ Sanitizer = (*sanitizer)(nil)

// NewSanitizer はSanitizerを生成する。
// SanitizeHTMLの許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em。
// aタグはhttp(s)の絶対URLのみ許可し、target="_blank"とrel="noreferrer"を付与する。
func NewSanitizer() *sanitizer {
	rich := bluemonday.NewPolicy()
	rich.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)
	rich.AllowAttrs("href").OnElements("a")
	rich.AllowURLSchemes("http", "https")
	rich.AllowRelativeURLs(false)
	rich.RequireParseableURLs(true)
	rich.AddTargetBlankToFullyQualifiedLinks(true)
	rich.RequireNoReferrerOnLinks(true)

	return &sanitizer{
		strict: bluemonday.StrictPolicy(),
		rich:   rich,
	}
}

// SanitizeText は全てのタグを除去する。
// bluemondayがエスケープした文字参照は元に戻し、前後の空白を除く。
func (s *sanitizer) SanitizeText(in string) string {
	if in == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(in)))
}

// SanitizeHTML は許可タグのみを残す。
func (s *sanitizer) SanitizeHTML(rawHTML string) string {
	return s.rich.Sanitize(rawHTML)
}

// SanitizeContext は入力を変更せず、無害化したコピーを返す。
func (s *sanitizer) SanitizeContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[s.SanitizeText(k)] = s.sanitizeValue(v)
	}
	return out
}

func (s *sanitizer) sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.SanitizeText(val)
	case map[string]any:
		return s.SanitizeContext(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
