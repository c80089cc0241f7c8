package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ProfileSanitizer はプロフィールの自由記述欄（氏名・電話番号・住所）から
// HTMLを除去してプレーンテキストにする。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
// bluemondayのStrictPolicyを使用し、すべてのタグと属性を除去する。
// script, styleは要素の中身ごと除去される。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグを除去し、エンティティを復元した上で前後の空白を取り除く。
// 同一入力に対して常に同一出力を返す。
func (s *ProfileSanitizer) Clean(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
