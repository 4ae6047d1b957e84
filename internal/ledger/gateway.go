// Package ledger は外部データストアの参照・更新操作をまとめたLedger Gatewayを提供する。
// 残高・取引履歴・投資記録の取得と、入金・出金・投資作成の手続き呼び出しを扱い、
// 呼び出し元から通信の詳細を隠蔽する。失敗時の自動リトライは行わない。
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/investdesk/internal/backend"
	"github.com/hitoshi/investdesk/internal/model"
)

const tracerName = "github.com/hitoshi/investdesk/internal/ledger"

// 操作名（メトリクス・トレース・エラーのOpに使用）
const (
	OpFetchBalance      = "fetch_balance"
	OpFetchTransactions = "fetch_transactions"
	OpFetchInvestments  = "fetch_investments"
	OpDeposit           = "deposit"
	OpWithdraw          = "withdraw"
	OpCreateInvestment  = "create_investment"
)

// cycleDaysPattern はサイクル表記（例: "14 Days"）の先頭の整数に一致する。
var cycleDaysPattern = regexp.MustCompile(`^\s*(\d+)`)

// Backend はGatewayが必要とする外部データAPIのインターフェース。
// backend.Clientが満たす。
type Backend interface {
	Profile(ctx context.Context, accessToken string) (*model.Balance, error)
	Transactions(ctx context.Context, accessToken string, limit int) ([]model.Transaction, error)
	Investments(ctx context.Context, accessToken string) ([]model.Investment, error)
	ProcessDeposit(ctx context.Context, accessToken string, amount decimal.Decimal) (*model.Result, error)
	ProcessWithdrawal(ctx context.Context, accessToken string, amount decimal.Decimal) (*model.Result, error)
	CreateInvestment(ctx context.Context, accessToken, packageTitle string, amount decimal.Decimal, cycleDays int) (*model.Result, error)
}

// TokenSource は呼び出しに使うアクセストークンを提供する。
// session.Storeが満たす。
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Recorder はGateway呼び出しのメトリクス記録インターフェース。
type Recorder interface {
	RecordGatewayCall(op, outcome string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordGatewayCall(string, string, time.Duration) {}

// Gateway は1人の訪問者の外部データAPIへの窓口。
// 最後に取得した残高を出金の事前検証用に保持する。
type Gateway struct {
	backend  Backend
	tokens   TokenSource
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer

	mu          sync.RWMutex
	lastBalance *model.Balance
	generation  uint64
}

// NewGateway はGatewayを生成する。recorderがnilの場合は記録しない。
func NewGateway(b Backend, tokens TokenSource, logger *slog.Logger, recorder Recorder) *Gateway {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Gateway{
		backend:  b,
		tokens:   tokens,
		logger:   logger,
		recorder: recorder,
		tracer:   otel.Tracer(tracerName),
	}
}

// LastBalance は最後に取得した残高を返す。未取得の場合はnil。
func (g *Gateway) LastBalance() *model.Balance {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.lastBalance == nil {
		return nil
	}
	b := *g.lastBalance
	return &b
}

// Invalidate は保持している残高を破棄する。
// Invalidate以前に開始した取得の結果は保持されない。
func (g *Gateway) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastBalance = nil
	g.generation++
}

// FetchBalance は残高を取得する。
func (g *Gateway) FetchBalance(ctx context.Context) (*model.Balance, error) {
	g.mu.RLock()
	gen := g.generation
	g.mu.RUnlock()

	ctx, span := g.tracer.Start(ctx, "ledger.FetchBalance")
	defer span.End()
	start := time.Now()

	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return nil, g.fetchFailed(span, OpFetchBalance, start, model.FailureAuth, err)
	}

	bal, err := g.backend.Profile(ctx, token)
	if err != nil {
		return nil, g.fetchFailed(span, OpFetchBalance, start, classify(err), err)
	}

	g.mu.Lock()
	if g.generation == gen {
		stored := *bal
		g.lastBalance = &stored
	}
	g.mu.Unlock()

	g.recorder.RecordGatewayCall(OpFetchBalance, "success", time.Since(start))
	return bal, nil
}

// FetchTransactions は作成日時の降順で最大limit件の取引履歴を取得する。
// サーバーの応答に関わらず、降順と件数上限はここで保証する。
func (g *Gateway) FetchTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		return nil, model.NewValidationError("limit", "Limit must be a positive number")
	}

	ctx, span := g.tracer.Start(ctx, "ledger.FetchTransactions",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()
	start := time.Now()

	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return nil, g.fetchFailed(span, OpFetchTransactions, start, model.FailureAuth, err)
	}

	txs, err := g.backend.Transactions(ctx, token, limit)
	if err != nil {
		return nil, g.fetchFailed(span, OpFetchTransactions, start, classify(err), err)
	}

	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
	if len(txs) > limit {
		txs = txs[:limit]
	}
	if txs == nil {
		txs = []model.Transaction{}
	}

	g.recorder.RecordGatewayCall(OpFetchTransactions, "success", time.Since(start))
	return txs, nil
}

// FetchInvestments は作成日時の降順で投資記録を取得する。
func (g *Gateway) FetchInvestments(ctx context.Context) ([]model.Investment, error) {
	ctx, span := g.tracer.Start(ctx, "ledger.FetchInvestments")
	defer span.End()
	start := time.Now()

	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return nil, g.fetchFailed(span, OpFetchInvestments, start, model.FailureAuth, err)
	}

	invs, err := g.backend.Investments(ctx, token)
	if err != nil {
		return nil, g.fetchFailed(span, OpFetchInvestments, start, classify(err), err)
	}

	sort.SliceStable(invs, func(i, j int) bool {
		return invs[i].CreatedAt.After(invs[j].CreatedAt)
	})
	if invs == nil {
		invs = []model.Investment{}
	}

	g.recorder.RecordGatewayCall(OpFetchInvestments, "success", time.Since(start))
	return invs, nil
}

// Deposit は入金手続きを呼び出す。
// 0以下の金額はリモート呼び出し前に拒否する。
func (g *Gateway) Deposit(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
	if !amount.IsPositive() {
		return nil, model.NewValidationError("amount", "Please enter a valid deposit amount")
	}
	return g.mutate(ctx, OpDeposit, func(ctx context.Context, token string) (*model.Result, error) {
		return g.backend.ProcessDeposit(ctx, token, amount)
	}, attribute.String("amount", amount.String()))
}

// Withdraw は出金手続きを呼び出す。
// 0以下の金額と、最後に取得した残高を超える金額はリモート呼び出し前に拒否する。
// 残高未取得の場合の最終判断はサーバーに委ねる。
func (g *Gateway) Withdraw(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
	if bal := g.LastBalance(); bal != nil {
		if err := ValidateWithdrawal(amount, bal); err != nil {
			return nil, err
		}
	} else if !amount.IsPositive() {
		return nil, model.NewValidationError("amount", errInvalidWithdrawal)
	}
	return g.mutate(ctx, OpWithdraw, func(ctx context.Context, token string) (*model.Result, error) {
		return g.backend.ProcessWithdrawal(ctx, token, amount)
	}, attribute.String("amount", amount.String()))
}

// CreateInvestment は投資作成手続きを呼び出す。
// cycleLabelの先頭の整数を日数として渡す。解釈できない場合はValidationErrorを返す。
func (g *Gateway) CreateInvestment(ctx context.Context, packageTitle string, amount decimal.Decimal, cycleLabel string) (*model.Result, error) {
	if strings.TrimSpace(packageTitle) == "" {
		return nil, model.NewValidationError("package_title", "Package title is required")
	}
	if !amount.IsPositive() {
		return nil, model.NewValidationError("amount", "Please enter a valid investment amount")
	}
	days, err := ParseCycleDays(cycleLabel)
	if err != nil {
		return nil, err
	}
	return g.mutate(ctx, OpCreateInvestment, func(ctx context.Context, token string) (*model.Result, error) {
		return g.backend.CreateInvestment(ctx, token, packageTitle, amount, days)
	},
		attribute.String("package_title", packageTitle),
		attribute.String("amount", amount.String()),
		attribute.Int("cycle_days", days),
	)
}

// ValidateWithdrawal は出金額をローカルで検証する。
// balanceがnilの場合は Field "balance" のValidationErrorを返す。
func ValidateWithdrawal(amount decimal.Decimal, balance *model.Balance) error {
	if !amount.IsPositive() {
		return model.NewValidationError("amount", errInvalidWithdrawal)
	}
	if balance == nil {
		return model.NewValidationError("balance", "Balance has not been loaded yet")
	}
	if amount.GreaterThan(balance.Amount) {
		return model.NewValidationError("amount", "Withdrawal amount exceeds available balance")
	}
	return nil
}

const errInvalidWithdrawal = "Please enter a valid withdrawal amount"

// ParseCycleDays はサイクル表記の先頭の整数を日数として返す。
// 例: "14 Days" → 14。
func ParseCycleDays(label string) (int, error) {
	m := cycleDaysPattern.FindStringSubmatch(label)
	if m == nil {
		return 0, model.NewValidationError("cycle", "Cannot determine cycle length from \""+label+"\"")
	}
	days, err := strconv.Atoi(m[1])
	if err != nil || days <= 0 {
		return 0, model.NewValidationError("cycle", "Cannot determine cycle length from \""+label+"\"")
	}
	return days, nil
}

type mutationCall func(ctx context.Context, token string) (*model.Result, error)

// mutate は更新系手続きを呼び出し、結果をMutationErrorへ変換する。
// 業務拒否（success=false）の場合も結果を返し、Messageはサーバーの文言のまま保持する。
func (g *Gateway) mutate(ctx context.Context, op string, call mutationCall, attrs ...attribute.KeyValue) (*model.Result, error) {
	ctx, span := g.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	token, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return nil, g.mutationFailed(span, op, start, model.FailureAuth, err)
	}

	res, err := call(ctx, token)
	if err != nil {
		return nil, g.mutationFailed(span, op, start, classify(err), err)
	}

	if !res.Success {
		span.SetStatus(codes.Error, "rejected")
		g.recorder.RecordGatewayCall(op, string(model.FailureRejected), time.Since(start))
		g.logger.Info("mutation rejected by server",
			slog.String("op", op),
			slog.String("message", res.Message),
		)
		return res, &model.MutationError{Op: op, Kind: model.FailureRejected, Message: res.Message}
	}

	g.recorder.RecordGatewayCall(op, "success", time.Since(start))
	return res, nil
}

func (g *Gateway) fetchFailed(span trace.Span, op string, start time.Time, kind model.FailureKind, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	g.recorder.RecordGatewayCall(op, string(kind), time.Since(start))
	g.logger.Warn("ledger fetch failed",
		slog.String("op", op),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	return &model.FetchError{Op: op, Kind: kind, Err: err}
}

func (g *Gateway) mutationFailed(span trace.Span, op string, start time.Time, kind model.FailureKind, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	g.recorder.RecordGatewayCall(op, string(kind), time.Since(start))
	g.logger.Error("ledger mutation failed",
		slog.String("op", op),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	return &model.MutationError{Op: op, Kind: kind, Err: err}
}

// classify はバックエンドのエラーを失敗種別に分類する。
func classify(err error) model.FailureKind {
	if backend.IsTransport(err) {
		return model.FailureNetwork
	}
	var statusErr *backend.StatusError
	errors.As(err, &statusErr)
	switch statusErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.FailureAuth
	default:
		return model.FailureServer
	}
}
