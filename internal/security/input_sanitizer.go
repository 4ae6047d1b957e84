// Package security はアプリケーションのセキュリティ機能を提供する。
//
// InputSanitizer は訪問者が入力した自由記述（氏名、電話番号など）から
// マークアップと制御文字を取り除き、WhatsAppメッセージに埋め込める平文にする。
// bluemondayのStrictPolicyで全てのタグを除去する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxInputLength は1項目あたりの最大文字数（rune数）。
const DefaultMaxInputLength = 200

// InputSanitizer は入力値のサニタイズ機能のインターフェースを定義する。
type InputSanitizer interface {
	// Clean は入力値を単一行の平文にして返す。
	// タグは除去し、HTMLエンティティは文字に戻す。
	// 連続する空白・改行は1つの空白にまとめ、前後の空白を除く。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Clean(raw string) string
}

// inputSanitizer はInputSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type inputSanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewInputSanitizer はInputSanitizerの新しいインスタンスを生成する。
// maxLenが0以下の場合はDefaultMaxInputLengthを使用する。
func NewInputSanitizer(maxLen int) *inputSanitizer {
	if maxLen <= 0 {
		maxLen = DefaultMaxInputLength
	}
	return &inputSanitizer{
		policy: bluemonday.StrictPolicy(),
		maxLen: maxLen,
	}
}

// Clean は入力値をサニタイズする。
func (s *inputSanitizer) Clean(raw string) string {
	out := raw
	// エンティティを戻した結果が再びタグになりうるため、変化しなくなるまで繰り返す
	for i := 0; i < 3; i++ {
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			break
		}
		out = next
	}

	out = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, out)
	out = strings.Join(strings.Fields(out), " ")

	if r := []rune(out); len(r) > s.maxLen {
		out = strings.TrimSpace(string(r[:s.maxLen]))
	}
	return out
}
