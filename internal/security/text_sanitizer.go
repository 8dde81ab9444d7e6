// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はリードの自由入力テキスト（氏名・会社名・都市など）から
// HTMLを取り除き、プレーンテキストとして保存できる形に整える。
// bluemondayのStrictPolicyを使用し、すべてのタグと属性を除去する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はプレーンテキスト化のインターフェースを定義する。
// リードの作成・更新時に自由入力フィールドへ適用される。
type TextSanitizerService interface {
	// Sanitize はタグを除去し前後の空白を取り除いたプレーンテキストを返す。
	// "Smith & Co" のような通常の記号はエスケープせずそのまま残す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有してよい。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// maxSanitizePasses はエンティティの多重エンコードを剥がす回数の上限。
const maxSanitizePasses = 8

// Sanitize はタグを除去したプレーンテキストを返す。
// "&lt;script&gt;" のようにエンティティ化されたタグも復元してから除去するため、
// 結果をもう一度Sanitizeしても変化しない。
func (s *textSanitizer) Sanitize(raw string) string {
	cur := strings.TrimSpace(raw)
	for range maxSanitizePasses {
		next := s.pass(cur)
		if next == cur {
			return cur
		}
		cur = next
	}
	// 上限まで剥がしきれない入力はエスケープしたまま返し、タグを残さない
	return strings.TrimSpace(s.policy.Sanitize(cur))
}

// pass はエンティティを復元し、StrictPolicyでタグを除去する。
// StrictPolicyは&や<をエンティティに変換するため、保存用に元へ戻す。
func (s *textSanitizer) pass(v string) string {
	if v == "" {
		return ""
	}
	cleaned := s.policy.Sanitize(html.UnescapeString(v))
	return strings.TrimSpace(html.UnescapeString(cleaned))
}
