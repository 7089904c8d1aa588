// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer はチャットメッセージの本文からHTMLマークアップを除去し、
// 他の参加者のクライアントに不正なスクリプトが届くことを防ぐ。
// bluemondayのStrictPolicyで全てのタグを除去した上で、
// 本文はプレーンテキストとして保存・配信する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はメッセージ本文のサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize は本文からHTMLタグを除去したプレーンテキストを返す。
	// 前後の空白は取り除く。同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// ContentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフであり、1インスタンスを共有して使用する。
type ContentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
func NewContentSanitizer() *ContentSanitizer {
	return &ContentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// maxSanitizePasses はエンティティの多重エンコードを剥がす最大回数。
// これを超えても出力が変化し続ける本文は空文字列になる。
const maxSanitizePasses = 8

// Sanitize は本文をサニタイズする。
// StrictPolicyは & や < をエンティティにエスケープするため、タグ除去後にアンエスケープする。
// アンエスケープで現れたタグも除去するよう、出力が変化しなくなるまで繰り返す。
func (s *ContentSanitizer) Sanitize(raw string) string {
	text := strings.TrimSpace(raw)
	for range maxSanitizePasses {
		next := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
		if next == text {
			return text
		}
		text = next
	}
	// 収束しない多重エンコードは空本文として扱い、呼び出し側で不正な本文として拒否させる
	return ""
}
