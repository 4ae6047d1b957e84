package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/investdesk/internal/model"
)

// singleObjectAccept は1行のみをオブジェクトとして返させるAcceptヘッダー。
const singleObjectAccept = "application/vnd.pgrst.object+json"

// timestampLayouts はデータストアが返しうるタイムスタンプ形式。
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02",
}

// timestamp は複数の形式を受け付けるJSONタイムスタンプ。
type timestamp struct {
	time.Time
}

// UnmarshalJSON はタイムスタンプ文字列をパースする。nullはゼロ値とする。
func (t *timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp format: %q", s)
}

type profileRow struct {
	AccountBalance decimal.NullDecimal `json:"account_balance"`
	TotalEarned    decimal.NullDecimal `json:"total_earned"`
}

type transactionRow struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	CreatedAt   timestamp       `json:"created_at"`
}

type investmentRow struct {
	ID             string          `json:"id"`
	PackageTitle   string          `json:"package_title"`
	InvestedAmount decimal.Decimal `json:"invested_amount"`
	ExpectedReturn decimal.Decimal `json:"expected_return"`
	InvestmentDate timestamp       `json:"investment_date"`
	MaturityDate   timestamp       `json:"maturity_date"`
	Status         string          `json:"status"`
	CreatedAt      timestamp       `json:"created_at"`
}

// rpcResult はストアドプロシージャの共通応答 {success, message}。
type rpcResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Profile はログインユーザーのプロフィールから残高と累計収益を取得する。
// 行の絞り込みはデータストア側の行レベルセキュリティに委ねる。
func (c *Client) Profile(ctx context.Context, accessToken string) (*model.Balance, error) {
	var row profileRow
	err := c.do(ctx, request{
		method:      http.MethodGet,
		path:        "/rest/v1/profiles",
		query:       url.Values{"select": {"account_balance,total_earned"}},
		accessToken: accessToken,
		accept:      singleObjectAccept,
	}, &row)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Amount:      row.AccountBalance.Decimal,
		TotalEarned: row.TotalEarned.Decimal,
		FetchedAt:   time.Now(),
	}, nil
}

// Transactions は作成日時の降順で最大limit件の取引履歴を取得する。
func (c *Client) Transactions(ctx context.Context, accessToken string, limit int) ([]model.Transaction, error) {
	var rows []transactionRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/transactions",
		query: url.Values{
			"select": {"*"},
			"order":  {"created_at.desc"},
			"limit":  {strconv.Itoa(limit)},
		},
		accessToken: accessToken,
	}, &rows)
	if err != nil {
		return nil, err
	}

	txs := make([]model.Transaction, 0, len(rows))
	for _, row := range rows {
		txs = append(txs, model.Transaction{
			ID:          row.ID,
			Type:        model.TransactionType(row.Type),
			Amount:      row.Amount,
			Description: row.Description,
			Status:      model.TransactionStatus(row.Status),
			CreatedAt:   row.CreatedAt.Time,
		})
	}
	return txs, nil
}

// Investments は作成日時の降順で投資記録を取得する。
func (c *Client) Investments(ctx context.Context, accessToken string) ([]model.Investment, error) {
	var rows []investmentRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/investments",
		query: url.Values{
			"select": {"*"},
			"order":  {"created_at.desc"},
		},
		accessToken: accessToken,
	}, &rows)
	if err != nil {
		return nil, err
	}

	invs := make([]model.Investment, 0, len(rows))
	for _, row := range rows {
		invs = append(invs, model.Investment{
			ID:             row.ID,
			PackageTitle:   row.PackageTitle,
			InvestedAmount: row.InvestedAmount,
			ExpectedReturn: row.ExpectedReturn,
			InvestmentDate: row.InvestmentDate.Time,
			MaturityDate:   row.MaturityDate.Time,
			Status:         row.Status,
			CreatedAt:      row.CreatedAt.Time,
		})
	}
	return invs, nil
}

// ProcessDeposit はprocess_deposit手続きを呼び出す。
func (c *Client) ProcessDeposit(ctx context.Context, accessToken string, amount decimal.Decimal) (*model.Result, error) {
	return c.rpc(ctx, accessToken, "process_deposit", map[string]any{
		"amount_param": json.Number(amount.String()),
	})
}

// ProcessWithdrawal はprocess_withdrawal手続きを呼び出す。
func (c *Client) ProcessWithdrawal(ctx context.Context, accessToken string, amount decimal.Decimal) (*model.Result, error) {
	return c.rpc(ctx, accessToken, "process_withdrawal", map[string]any{
		"amount_param": json.Number(amount.String()),
	})
}

// CreateInvestment はcreate_investment手続きを呼び出す。
func (c *Client) CreateInvestment(ctx context.Context, accessToken, packageTitle string, amount decimal.Decimal, cycleDays int) (*model.Result, error) {
	return c.rpc(ctx, accessToken, "create_investment", map[string]any{
		"package_title_param": packageTitle,
		"amount_param":        json.Number(amount.String()),
		"cycle_days_param":    cycleDays,
	})
}

func (c *Client) rpc(ctx context.Context, accessToken, name string, params map[string]any) (*model.Result, error) {
	var out rpcResult
	err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/rest/v1/rpc/" + name,
		body:        params,
		accessToken: accessToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &model.Result{Success: out.Success, Message: out.Message}, nil
}
