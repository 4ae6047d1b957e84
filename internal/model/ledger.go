package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance は外部サービスから取得した口座残高を表す。
// 値はローカルで計算せず、最後に取得した値をそのまま保持する。
type Balance struct {
	Amount      decimal.Decimal
	TotalEarned decimal.Decimal
	FetchedAt   time.Time
}

// TransactionType は取引種別を表す。
type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeInvestment TransactionType = "investment"
)

// TransactionStatus は取引の処理状態を表す。
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Transaction は口座の入出金・投資の取引履歴1件を表す。
// 金額は符号付き（出金はマイナス）。
type Transaction struct {
	ID          string
	Type        TransactionType
	Amount      decimal.Decimal
	Description string
	Status      TransactionStatus
	CreatedAt   time.Time
}

// Investment はパッケージへの投資記録を表す。
// ステータス遷移（満期等）はサーバー側でのみ行われる。
type Investment struct {
	ID             string
	PackageTitle   string
	InvestedAmount decimal.Decimal
	ExpectedReturn decimal.Decimal
	InvestmentDate time.Time
	MaturityDate   time.Time
	Status         string
	CreatedAt      time.Time
}

// Result はリモート手続き（入金・出金・投資作成）の応答を表す。
// Messageはサーバーが生成した文言で、加工せずそのまま表示する。
type Result struct {
	Success bool
	Message string
}
