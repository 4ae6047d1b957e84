// Package visitor はブラウザ訪問者ごとのセッション・Gateway・ダッシュボードを管理する。
// 訪問者はvisitor_id Cookieで識別し、状態はプロセスのメモリ上にのみ保持する。
package visitor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/investdesk/internal/dashboard"
	"github.com/hitoshi/investdesk/internal/ledger"
	"github.com/hitoshi/investdesk/internal/session"
)

// Deps は訪問者ごとのコンポーネント生成に必要な共有依存。
type Deps struct {
	Auth    session.AuthProvider
	Backend ledger.Backend
	Logger  *slog.Logger

	AuthRecorder     session.AuthRecorder
	GatewayRecorder  ledger.Recorder
	MutationRecorder dashboard.MutationRecorder

	Dashboard dashboard.Config
}

// Visitor は1人の訪問者が所有するコンポーネント一式。
// Sessionの変化はDashboardへ通知される。
type Visitor struct {
	ID        string
	Session   *session.Store
	Ledger    *ledger.Gateway
	Dashboard *dashboard.ViewModel

	lastSeen    atomic.Int64
	unsubscribe func()
}

// New は訪問者のコンポーネントを生成して接続する。
func New(id string, d Deps) *Visitor {
	logger := d.Logger.With(slog.String("visitor_id", id))

	store := session.NewStore(d.Auth, logger, d.AuthRecorder)
	gw := ledger.NewGateway(d.Backend, store, logger, d.GatewayRecorder)
	vm := dashboard.NewViewModel(gw, logger, d.MutationRecorder, d.Dashboard)

	v := &Visitor{
		ID:        id,
		Session:   store,
		Ledger:    gw,
		Dashboard: vm,
	}
	v.unsubscribe = store.Subscribe(vm)
	v.touch(time.Now())
	return v
}

// LastSeen は最後にアクセスされた時刻を返す。
func (v *Visitor) LastSeen() time.Time {
	return time.Unix(0, v.lastSeen.Load())
}

func (v *Visitor) touch(now time.Time) {
	v.lastSeen.Store(now.UnixNano())
}

// close はダッシュボードを非アクティブにして購読を解除する。
func (v *Visitor) close() {
	v.unsubscribe()
	v.Dashboard.Close()
}

// ActiveRecorder は保持中の訪問者数を記録するインターフェース。
type ActiveRecorder interface {
	SetActiveVisitors(n int)
}

type nopRecorder struct{}

func (nopRecorder) SetActiveVisitors(int) {}

// Registry は訪問者をIDで管理する。
type Registry struct {
	deps     Deps
	recorder ActiveRecorder
	now      func() time.Time

	mu       sync.Mutex
	visitors map[string]*Visitor
}

// NewRegistry はRegistryを生成する。
func NewRegistry(deps Deps, recorder ActiveRecorder) *Registry {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Registry{
		deps:     deps,
		recorder: recorder,
		now:      time.Now,
		visitors: make(map[string]*Visitor),
	}
}

// Get は既存の訪問者を返し、最終アクセス時刻を更新する。
func (r *Registry) Get(id string) (*Visitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visitors[id]
	if ok {
		v.touch(r.now())
	}
	return v, ok
}

// GetOrCreate は訪問者を返す。idが空または未知の場合は新しいIDで生成する。
// 未知のIDをそのまま採用しないため、クライアントがIDを指定することはできない。
func (r *Registry) GetOrCreate(id string) (v *Visitor, created bool) {
	if id != "" {
		if v, ok := r.Get(id); ok {
			return v, false
		}
	}

	v = New(uuid.NewString(), r.deps)
	v.touch(r.now())

	r.mu.Lock()
	r.visitors[v.ID] = v
	n := len(r.visitors)
	r.mu.Unlock()

	r.recorder.SetActiveVisitors(n)
	return v, true
}

// Remove は訪問者を破棄する。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	v, ok := r.visitors[id]
	delete(r.visitors, id)
	n := len(r.visitors)
	r.mu.Unlock()

	if ok {
		v.close()
		r.recorder.SetActiveVisitors(n)
	}
}

// Len は保持中の訪問者数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}

// Sweep は最終アクセスがidleTTLより前の訪問者を破棄し、破棄した数を返す。
func (r *Registry) Sweep(idleTTL time.Duration) int {
	cutoff := r.now().Add(-idleTTL)

	r.mu.Lock()
	var expired []*Visitor
	for id, v := range r.visitors {
		if v.LastSeen().Before(cutoff) {
			expired = append(expired, v)
			delete(r.visitors, id)
		}
	}
	n := len(r.visitors)
	r.mu.Unlock()

	for _, v := range expired {
		v.close()
	}
	r.recorder.SetActiveVisitors(n)
	return len(expired)
}
