// Package dashboard はダッシュボード画面のビューモデルを提供する。
// Ledger Gatewayの取得結果を画面表示用の状態にまとめ、入金・出金・投資の操作を仲介する。
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/investdesk/internal/ledger"
	"github.com/hitoshi/investdesk/internal/model"
)

// ErrMutationInFlight は別の更新操作が処理中であることを表す。
var ErrMutationInFlight = errors.New("another mutation is in flight")

// Status はダッシュボードの読み込み状態を表す。
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// 表示セクション名
const (
	SectionBalance      = "balance"
	SectionTransactions = "transactions"
	SectionInvestments  = "investments"
)

// Ledger はビューモデルが必要とするGatewayの操作。
// ledger.Gatewayが満たす。
type Ledger interface {
	FetchBalance(ctx context.Context) (*model.Balance, error)
	FetchTransactions(ctx context.Context, limit int) ([]model.Transaction, error)
	FetchInvestments(ctx context.Context) ([]model.Investment, error)
	Deposit(ctx context.Context, amount decimal.Decimal) (*model.Result, error)
	Withdraw(ctx context.Context, amount decimal.Decimal) (*model.Result, error)
	CreateInvestment(ctx context.Context, packageTitle string, amount decimal.Decimal, cycleLabel string) (*model.Result, error)
	Invalidate()
}

// MutationRecorder は更新操作の結果を記録するインターフェース。
type MutationRecorder interface {
	RecordMutation(op, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordMutation(string, string) {}

// Config はViewModelの設定。
type Config struct {
	// TransactionLimit は取得する取引履歴の件数。
	TransactionLimit int
	// ReloadTimeout はIdentity変化時のバックグラウンド再読み込みのタイムアウト。
	ReloadTimeout time.Duration
}

// State はダッシュボードの表示状態のスナップショット。
// Balanceがnilの場合は未取得（0残高とは区別する）。
type State struct {
	Status       Status
	Balance      *model.Balance
	Transactions []model.Transaction
	Investments  []model.Investment
	Errors       map[string]error
	UpdatedAt    time.Time
}

// ViewModel は1人の訪問者のダッシュボード状態を保持する。
// 取得結果は到着した順に個別に反映し、古い読み込みの結果は破棄する。
type ViewModel struct {
	ledger   Ledger
	logger   *slog.Logger
	recorder MutationRecorder
	config   Config

	mu     sync.Mutex
	state  State
	seq    uint64 // 読み込み・無効化ごとに進める世代番号
	closed bool

	inFlight atomic.Bool
	reloads  sync.WaitGroup
}

// NewViewModel はViewModelを生成する。
func NewViewModel(l Ledger, logger *slog.Logger, recorder MutationRecorder, config Config) *ViewModel {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if config.TransactionLimit <= 0 {
		config.TransactionLimit = 10
	}
	if config.ReloadTimeout <= 0 {
		config.ReloadTimeout = 15 * time.Second
	}
	return &ViewModel{
		ledger:   l,
		logger:   logger,
		recorder: recorder,
		config:   config,
		state:    State{Status: StatusIdle},
	}
}

// State は現在の表示状態のコピーを返す。
func (vm *ViewModel) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.snapshotLocked()
}

// Load は残高・取引履歴・投資記録を並行に取得する。
// 各結果は到着時点で状態に反映する。1つでも失敗すればStatusPartial、全て失敗すればStatusFailed。
// 戻り値のerrorは失敗したセクションのエラーをまとめたもの。
func (vm *ViewModel) Load(ctx context.Context) (State, error) {
	vm.mu.Lock()
	if vm.closed {
		st := vm.snapshotLocked()
		vm.mu.Unlock()
		return st, nil
	}
	vm.seq++
	seq := vm.seq
	vm.state.Status = StatusLoading
	vm.state.Errors = nil
	vm.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		errs   []error
		failed int
	)
	fail := func(section string, err error) {
		errMu.Lock()
		errs = append(errs, err)
		failed++
		errMu.Unlock()
		vm.apply(seq, func(s *State) {
			if s.Errors == nil {
				s.Errors = make(map[string]error)
			}
			s.Errors[section] = err
		})
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		bal, err := vm.ledger.FetchBalance(ctx)
		if err != nil {
			fail(SectionBalance, err)
			return
		}
		vm.apply(seq, func(s *State) { s.Balance = bal })
	}()
	go func() {
		defer wg.Done()
		txs, err := vm.ledger.FetchTransactions(ctx, vm.config.TransactionLimit)
		if err != nil {
			fail(SectionTransactions, err)
			return
		}
		vm.apply(seq, func(s *State) { s.Transactions = txs })
	}()
	go func() {
		defer wg.Done()
		invs, err := vm.ledger.FetchInvestments(ctx)
		if err != nil {
			fail(SectionInvestments, err)
			return
		}
		vm.apply(seq, func(s *State) { s.Investments = invs })
	}()
	wg.Wait()

	vm.mu.Lock()
	if vm.seq == seq && !vm.closed {
		switch failed {
		case 0:
			vm.state.Status = StatusReady
		case 3:
			vm.state.Status = StatusFailed
		default:
			vm.state.Status = StatusPartial
		}
		vm.state.UpdatedAt = time.Now()
	}
	st := vm.snapshotLocked()
	vm.mu.Unlock()

	if failed > 0 {
		vm.logger.Warn("dashboard load incomplete",
			slog.Int("failed_sections", failed),
		)
	}
	return st, errors.Join(errs...)
}

// SubmitDeposit は入金を実行し、成功時は再読み込みする。
// 残高をローカルで加算することはない。
func (vm *ViewModel) SubmitDeposit(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
	if !amount.IsPositive() {
		vm.recorder.RecordMutation(ledger.OpDeposit, "validation")
		return nil, model.NewValidationError("amount", "Please enter a valid deposit amount")
	}
	return vm.mutate(ctx, ledger.OpDeposit, func(ctx context.Context) (*model.Result, error) {
		return vm.ledger.Deposit(ctx, amount)
	})
}

// SubmitWithdraw は出金を実行し、成功時は再読み込みする。
// 残高が未取得の場合と、表示中の残高を超える場合はGatewayを呼び出さずに拒否する。
func (vm *ViewModel) SubmitWithdraw(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
	vm.mu.Lock()
	bal := vm.state.Balance
	vm.mu.Unlock()

	if err := ledger.ValidateWithdrawal(amount, bal); err != nil {
		vm.recorder.RecordMutation(ledger.OpWithdraw, "validation")
		return nil, err
	}
	return vm.mutate(ctx, ledger.OpWithdraw, func(ctx context.Context) (*model.Result, error) {
		return vm.ledger.Withdraw(ctx, amount)
	})
}

// Invest は選択されたパッケージに価格分の投資を作成し、成功時は再読み込みする。
func (vm *ViewModel) Invest(ctx context.Context, sel model.Selection) (*model.Result, error) {
	return vm.mutate(ctx, ledger.OpCreateInvestment, func(ctx context.Context) (*model.Result, error) {
		return vm.ledger.CreateInvestment(ctx, sel.Title, sel.Price, sel.Cycle)
	})
}

// IdentityChanged はSession StoreのListenerを実装する。
// 表示中のデータを即座に破棄し、新しいIdentityがあればバックグラウンドで再読み込みする。
func (vm *ViewModel) IdentityChanged(prev, next *model.Identity) {
	if !vm.invalidate(next != nil) {
		return
	}
	vm.ledger.Invalidate()

	if next == nil {
		return
	}
	vm.reloads.Add(1)
	go func() {
		defer vm.reloads.Done()
		ctx, cancel := context.WithTimeout(context.Background(), vm.config.ReloadTimeout)
		defer cancel()
		if _, err := vm.Load(ctx); err != nil {
			vm.logger.Warn("reload after identity change failed",
				slog.String("user_id", next.UserID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait は実行中のバックグラウンド再読み込みの完了を待つ。
func (vm *ViewModel) Wait() {
	vm.reloads.Wait()
}

// Close はビューモデルを非アクティブにする。
// 以降に到着した取得結果は反映しない。
func (vm *ViewModel) Close() {
	vm.mu.Lock()
	vm.closed = true
	vm.seq++
	vm.mu.Unlock()
}

// invalidate は表示データを破棄して世代を進める。閉じている場合はfalseを返す。
func (vm *ViewModel) invalidate(reloading bool) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return false
	}
	vm.seq++
	vm.state = State{Status: StatusIdle}
	if reloading {
		vm.state.Status = StatusLoading
	}
	return true
}

// mutate は更新操作の実行中フラグを管理し、成功時に再読み込みする。
// フラグは再読み込みの完了まで保持する。
func (vm *ViewModel) mutate(ctx context.Context, op string, call func(ctx context.Context) (*model.Result, error)) (*model.Result, error) {
	if !vm.inFlight.CompareAndSwap(false, true) {
		vm.recorder.RecordMutation(op, "in_flight")
		return nil, ErrMutationInFlight
	}
	defer vm.inFlight.Store(false)

	res, err := call(ctx)
	if err != nil {
		vm.recorder.RecordMutation(op, mutationOutcome(err))
		return res, err
	}
	vm.recorder.RecordMutation(op, "success")

	if _, err := vm.Load(ctx); err != nil {
		vm.logger.Warn("reload after mutation incomplete",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	}
	return res, nil
}

// apply は世代が一致し、かつアクティブな場合にのみ状態を更新する。
func (vm *ViewModel) apply(seq uint64, fn func(s *State)) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed || vm.seq != seq {
		return
	}
	fn(&vm.state)
}

func (vm *ViewModel) snapshotLocked() State {
	st := vm.state
	if st.Balance != nil {
		b := *st.Balance
		st.Balance = &b
	}
	if st.Transactions != nil {
		st.Transactions = append([]model.Transaction(nil), st.Transactions...)
	}
	if st.Investments != nil {
		st.Investments = append([]model.Investment(nil), st.Investments...)
	}
	if st.Errors != nil {
		errs := make(map[string]error, len(st.Errors))
		for k, v := range st.Errors {
			errs[k] = v
		}
		st.Errors = errs
	}
	return st
}

func mutationOutcome(err error) string {
	var vErr *model.ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}
	var mErr *model.MutationError
	if errors.As(err, &mErr) {
		return string(mErr.Kind)
	}
	return "failed"
}
