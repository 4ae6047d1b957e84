package model

import "github.com/shopspring/decimal"

// Package は購入可能な投資パッケージ（カタログの1件）を表す。
// 配当額は外部の価格表から読み込むデータであり、コード上で計算しない。
type Package struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	Image         string           `json:"image"`
	Cycle         string           `json:"cycle"`
	Available     int              `json:"available"`
	Price         decimal.Decimal  `json:"price"`
	OriginalPrice *decimal.Decimal `json:"original_price,omitempty"`
	Discount      string           `json:"discount,omitempty"`
	Daily         decimal.Decimal  `json:"daily"`
	Total         decimal.Decimal  `json:"total"`
}

// Selection はカタログで選択されたパッケージの購入に必要な情報を表す。
type Selection struct {
	Title string
	Price decimal.Decimal
	Cycle string
}
