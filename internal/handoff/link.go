// Package handoff はWhatsAppで担当者へ引き継ぐためのリンクを生成する。
package handoff

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/investdesk/internal/model"
	"github.com/hitoshi/investdesk/internal/security"
)

// リンク種別（メトリクスのラベルに使用）
const (
	KindInterest = "interest"
	KindClient   = "client"
	KindChat     = "chat"
)

const notProvided = "Not provided"

// Link は生成した引き継ぎリンク。
type Link struct {
	URL     string `json:"url"`
	Message string `json:"message,omitempty"`
}

// ClientDetails は顧客情報フォームの入力値。
// Amountは入力された文字列のまま受け取り、ClientLinkで検証する。
type ClientDetails struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	IDNumber string `json:"id_number"`
	Amount   string `json:"amount"`
}

// Recorder は生成したリンクの種別を記録するインターフェース。
type Recorder interface {
	RecordHandoff(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordHandoff(string) {}

// Linker は設定された番号宛てのリンクを生成する。
type Linker struct {
	number    string
	sanitizer security.InputSanitizer
	recorder  Recorder
}

// NewLinker はLinkerを生成する。numberは数字以外を取り除いて使用する。
func NewLinker(number string, sanitizer security.InputSanitizer, recorder Recorder) *Linker {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Linker{
		number: strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, number),
		sanitizer: sanitizer,
		recorder:  recorder,
	}
}

// ChatLink はメッセージなしのチャットリンクを返す。
func (l *Linker) ChatLink() Link {
	l.recorder.RecordHandoff(KindChat)
	return Link{URL: "https://wa.me/" + l.number}
}

// InterestLink はパッケージへの関心を伝えるリンクを返す。
func (l *Linker) InterestLink(title string) Link {
	msg := fmt.Sprintf("Hi! I'm interested in the %s investment package. Can you help me get started?", title)
	l.recorder.RecordHandoff(KindInterest)
	return l.link(msg)
}

// BuyNotice は未ログインの訪問者が購入を選んだときに表示する案内文。
func BuyNotice(title string) string {
	return fmt.Sprintf("Contact us on WhatsApp to purchase the %s package. Our team will guide you through the process.", title)
}

// ClientLink は顧客情報を含むリンクを返す。
// 氏名・電話番号・金額は必須で、金額はパッケージ価格以上でなければならない。
func (l *Linker) ClientLink(pkg model.Package, details ClientDetails) (Link, error) {
	d := ClientDetails{
		FullName: l.sanitizer.Clean(details.FullName),
		Phone:    l.sanitizer.Clean(details.Phone),
		Email:    l.sanitizer.Clean(details.Email),
		IDNumber: l.sanitizer.Clean(details.IDNumber),
		Amount:   strings.TrimSpace(details.Amount),
	}
	if d.FullName == "" || d.Phone == "" || d.Amount == "" {
		return Link{}, model.NewValidationError("", "Please fill in all required fields")
	}
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil || !amount.IsPositive() {
		return Link{}, model.NewValidationError("amount", "Please enter a valid investment amount")
	}
	if amount.LessThan(pkg.Price) {
		return Link{}, model.NewValidationError("amount",
			"Investment amount must be at least KES "+FormatKES(pkg.Price))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hi! I want to invest in: %s\n\n", pkg.Title)
	b.WriteString("Client Details:\n")
	fmt.Fprintf(&b, "• Full Name: %s\n", d.FullName)
	fmt.Fprintf(&b, "• Phone: %s\n", d.Phone)
	fmt.Fprintf(&b, "• Email: %s\n", orNotProvided(d.Email))
	fmt.Fprintf(&b, "• ID Number: %s\n", orNotProvided(d.IDNumber))
	fmt.Fprintf(&b, "• Investment Amount: KES %s\n\n", FormatKES(amount))
	b.WriteString("Please guide me through the investment process.")

	l.recorder.RecordHandoff(KindClient)
	return l.link(b.String()), nil
}

// FormatKES は金額の整数部を3桁区切りで返す。小数部は切り捨てる。
func FormatKES(amount decimal.Decimal) string {
	digits := amount.Truncate(0).Abs().String()
	var b strings.Builder
	if amount.Truncate(0).IsNegative() {
		b.WriteByte('-')
	}
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *Linker) link(msg string) Link {
	return Link{
		URL:     "https://wa.me/" + l.number + "?text=" + encodeText(msg),
		Message: msg,
	}
}

// encodeText はクエリ値を百分率符号化する。空白は%20とする。
func encodeText(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func orNotProvided(s string) string {
	if s == "" {
		return notProvided
	}
	return s
}
