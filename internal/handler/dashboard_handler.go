package handler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/investdesk/internal/dashboard"
	"github.com/hitoshi/investdesk/internal/model"
)

// amountRequest は入金・出金リクエストのボディ。
// amountは数値と文字列のどちらでも受け付ける。
type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type balanceResponse struct {
	Amount      decimal.Decimal `json:"amount"`
	TotalEarned decimal.Decimal `json:"total_earned"`
	FetchedAt   time.Time       `json:"fetched_at"`
}

type transactionResponse struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

type investmentResponse struct {
	ID             string          `json:"id"`
	PackageTitle   string          `json:"package_title"`
	InvestedAmount decimal.Decimal `json:"invested_amount"`
	ExpectedReturn decimal.Decimal `json:"expected_return"`
	InvestmentDate time.Time       `json:"investment_date"`
	MaturityDate   time.Time       `json:"maturity_date"`
	Status         string          `json:"status"`
}

// dashboardResponse はダッシュボードの表示状態。
// balanceがnullの場合は未取得で、0残高とは区別する。
type dashboardResponse struct {
	Status       string                `json:"status"`
	User         *userResponse         `json:"user"`
	Balance      *balanceResponse      `json:"balance"`
	Transactions []transactionResponse `json:"transactions"`
	Investments  []investmentResponse  `json:"investments"`
	Errors       map[string]string     `json:"errors,omitempty"`
	UpdatedAt    *time.Time            `json:"updated_at,omitempty"`
}

// mutationResponse は入金・出金・投資作成のAPIレスポンス。
// messageはサーバーが返した文言をそのまま含む。
type mutationResponse struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	Dashboard dashboardResponse `json:"dashboard"`
}

// DashboardHandler はサインイン中の訪問者のダッシュボードを扱うハンドラー。
type DashboardHandler struct{}

// NewDashboardHandler はDashboardHandlerを生成する。
func NewDashboardHandler() *DashboardHandler {
	return &DashboardHandler{}
}

// Get は残高・取引履歴・投資記録を再取得して返す。
// 一部のセクションの取得に失敗しても200で返し、errorsにセクションごとの理由を含める。
// GET /api/dashboard
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, ok := visitorOrError(w, r)
	if !ok {
		return
	}

	st, _ := v.Dashboard.Load(r.Context())

	// 取得中にトークンが無効と判定された場合はサインアウト済み
	ident := v.Session.Identity()
	if ident == nil {
		handleServiceError(w, &model.AuthError{Reason: model.AuthReasonSessionMissing, Message: "Your session has expired. Please sign in again."})
		return
	}
	writeJSON(w, http.StatusOK, toDashboardResponse(st, ident))
}

// Deposit は入金を実行する。成功時は再取得後の状態を返す。
// POST /api/dashboard/deposit
func (h *DashboardHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	v, ok := visitorOrError(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := v.Dashboard.SubmitDeposit(r.Context(), req.Amount)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(res, v.Dashboard.State(), v.Session.Identity()))
}

// Withdraw は出金を実行する。残高が未取得の場合は先に取得してから検証する。
// POST /api/dashboard/withdraw
func (h *DashboardHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	v, ok := visitorOrError(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if v.Dashboard.State().Balance == nil {
		st, _ := v.Dashboard.Load(r.Context())
		// 残高を取得できなければ入力エラーではなく取得エラーとして返す
		if st.Balance == nil {
			if err := st.Errors[dashboard.SectionBalance]; err != nil {
				handleServiceError(w, err)
				return
			}
		}
	}

	res, err := v.Dashboard.SubmitWithdraw(r.Context(), req.Amount)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationResponse(res, v.Dashboard.State(), v.Session.Identity()))
}

func toMutationResponse(res *model.Result, st dashboard.State, ident *model.Identity) mutationResponse {
	return mutationResponse{
		Success:   res.Success,
		Message:   res.Message,
		Dashboard: toDashboardResponse(st, ident),
	}
}

func toDashboardResponse(st dashboard.State, ident *model.Identity) dashboardResponse {
	resp := dashboardResponse{
		Status:       string(st.Status),
		User:         toUserResponse(ident),
		Transactions: make([]transactionResponse, 0, len(st.Transactions)),
		Investments:  make([]investmentResponse, 0, len(st.Investments)),
	}
	if st.Balance != nil {
		resp.Balance = &balanceResponse{
			Amount:      st.Balance.Amount,
			TotalEarned: st.Balance.TotalEarned,
			FetchedAt:   st.Balance.FetchedAt,
		}
	}
	for _, tx := range st.Transactions {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			ID:          tx.ID,
			Type:        string(tx.Type),
			Amount:      tx.Amount,
			Description: tx.Description,
			Status:      string(tx.Status),
			CreatedAt:   tx.CreatedAt,
		})
	}
	for _, inv := range st.Investments {
		resp.Investments = append(resp.Investments, investmentResponse{
			ID:             inv.ID,
			PackageTitle:   inv.PackageTitle,
			InvestedAmount: inv.InvestedAmount,
			ExpectedReturn: inv.ExpectedReturn,
			InvestmentDate: inv.InvestmentDate,
			MaturityDate:   inv.MaturityDate,
			Status:         inv.Status,
		})
	}
	if len(st.Errors) > 0 {
		resp.Errors = make(map[string]string, len(st.Errors))
		for section, err := range st.Errors {
			_, apiErr := mapError(err)
			if apiErr == nil {
				resp.Errors[section] = "Unexpected error."
				continue
			}
			resp.Errors[section] = apiErr.Message
		}
	}
	if !st.UpdatedAt.IsZero() {
		t := st.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}
