// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は外部APIから取得したクエスト名・エリア名・カテゴリ名などの
// 表示用文字列からHTMLを除去し、ダッシュボードに安全なプレーンテキストとして保存する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// maxTextLength は保存する表示用文字列の最大長（rune数）。
const maxTextLength = 255

// TextSanitizer は表示用文字列のサニタイズ機能のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize は全てのHTMLタグを除去し、制御文字を取り除いたプレーンテキストを返す。
	// 前後の空白はトリムされ、最大長を超える部分は切り捨てる。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyはスレッドセーフに再利用できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は表示用文字列をサニタイズする。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはタグを除去した上で&などをエスケープするため、プレーンテキストへ戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))

	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)

	if runes := []rune(text); len(runes) > maxTextLength {
		text = strings.TrimSpace(string(runes[:maxTextLength]))
	}
	return text
}

// コンパイル時にインターフェースの実装を検証する
var _ TextSanitizer = (*textSanitizer)(nil)
