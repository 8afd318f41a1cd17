package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxReasonLength はウォレットが返す拒否理由を表示する際の最大文字数。
const maxReasonLength = 200

// ReasonSanitizerService はウォレットが返した文字列を表示用に無害化するインターフェース。
// 認証拒否の理由（PollingResponseのreason）をAPI応答に含める前に使用される。
type ReasonSanitizerService interface {
	// Sanitize はHTMLタグを全て除去し、空白を正規化して最大200文字に切り詰める。
	// HTML特殊文字はエスケープされたまま返す。
	Sanitize(raw string) string
}

// reasonSanitizer はReasonSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有する。
type reasonSanitizer struct {
	policy *bluemonday.Policy
}

// NewReasonSanitizer はReasonSanitizerServiceの新しいインスタンスを生成する。
// タグを一切許可しないStrictPolicyを使う。
func NewReasonSanitizer() *reasonSanitizer {
	return &reasonSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はウォレットが返した文字列を表示用に無害化する。
func (s *reasonSanitizer) Sanitize(raw string) string {
	cleaned := strings.Join(strings.Fields(s.policy.Sanitize(raw)), " ")
	if utf8.RuneCountInString(cleaned) <= maxReasonLength {
		return cleaned
	}
	runes := []rune(cleaned)
	return string(runes[:maxReasonLength]) + "…"
}
