// Package session は訪問者ごとの認証状態（Session Store）を提供する。
// 現在のIdentityとそのライフサイクル（サインイン・サインアップ・サインアウト・復元）を保持し、
// Identityの変化を登録済みのListenerへ通知する。
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/investdesk/internal/backend"
	"github.com/hitoshi/investdesk/internal/model"
)

// ConfirmEmailMessage はメール確認待ちのサインアップで表示する文言。
const ConfirmEmailMessage = "Check your email to confirm your account"

// expiryLeeway はアクセストークンを期限切れとみなす前倒し時間。
const expiryLeeway = 30 * time.Second

// AuthProvider は外部認証サービスの機能インターフェース。
// backend.Clientが満たす。
type AuthProvider interface {
	SignIn(ctx context.Context, email, password string) (*model.AuthSession, error)
	// SignUp はメール確認待ちの場合 (nil, nil) を返す。
	SignUp(ctx context.Context, email, password, name string) (*model.AuthSession, error)
	SignOut(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (*model.AuthSession, error)
	CurrentUser(ctx context.Context, accessToken string) (*model.Identity, error)
}

// Listener はIdentityの変化を受け取るオブザーバー。
// prev/nextのいずれも未認証の場合はnil。
type Listener interface {
	IdentityChanged(prev, next *model.Identity)
}

// ListenerFunc は関数をListenerとして扱うアダプタ。
type ListenerFunc func(prev, next *model.Identity)

// IdentityChanged はListenerを実装する。
func (f ListenerFunc) IdentityChanged(prev, next *model.Identity) {
	f(prev, next)
}

// AuthRecorder は認証イベントのメトリクス記録インターフェース。
type AuthRecorder interface {
	RecordAuthEvent(event, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuthEvent(string, string) {}

// SignUpOutcome はサインアップの結果を表す。
// ConfirmationRequiredがtrueの場合Identityはnilのまま。
type SignUpOutcome struct {
	Identity             *model.Identity
	ConfirmationRequired bool
	Message              string
}

// Store は1人の訪問者の認証状態を保持する。
// 画面（ビューモデル）はStoreを参照で受け取り、Subscribeで変化を購読する。
type Store struct {
	provider AuthProvider
	logger   *slog.Logger
	recorder AuthRecorder
	now      func() time.Time

	mu      sync.RWMutex
	session *model.AuthSession

	// refreshMu はリフレッシュを1本に直列化する
	refreshMu sync.Mutex

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// NewStore はStoreを生成する。recorderがnilの場合は記録しない。
func NewStore(provider AuthProvider, logger *slog.Logger, recorder AuthRecorder) *Store {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Store{
		provider:  provider,
		logger:    logger,
		recorder:  recorder,
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
}

// Subscribe はListenerを登録し、登録解除用の関数を返す。
func (s *Store) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = l

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

// Identity は現在のIdentityのコピーを返す。未認証の場合はnil。
func (s *Store) Identity() *model.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	ident := s.session.Identity
	return &ident
}

// RefreshToken は現在のリフレッシュトークンを返す。未認証の場合は空文字列。
// 訪問者Cookieへの保存に使用する。
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.RefreshToken
}

// SignIn はメールアドレスとパスワードでサインインする。
func (s *Store) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, model.NewValidationError("email", "Email is required")
	}
	if password == "" {
		return nil, model.NewValidationError("password", "Password is required")
	}

	sess, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		authErr := classifyAuthError(err)
		s.recorder.RecordAuthEvent("sign_in", string(authErr.Reason))
		s.logger.Warn("sign-in failed",
			slog.String("reason", string(authErr.Reason)),
			slog.String("error", err.Error()),
		)
		return nil, authErr
	}

	fillName(sess, "")
	s.recorder.RecordAuthEvent("sign_in", "success")
	s.replace(sess)
	return s.Identity(), nil
}

// SignUp はアカウントを作成する。
// メール確認が必要な場合はConfirmationRequiredを立てて返し、Identityは変化しない。
func (s *Store) SignUp(ctx context.Context, email, password, name string) (*SignUpOutcome, error) {
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if email == "" {
		return nil, model.NewValidationError("email", "Email is required")
	}
	if password == "" {
		return nil, model.NewValidationError("password", "Password is required")
	}
	if name == "" {
		return nil, model.NewValidationError("name", "Name is required")
	}

	sess, err := s.provider.SignUp(ctx, email, password, name)
	if err != nil {
		authErr := classifyAuthError(err)
		s.recorder.RecordAuthEvent("sign_up", string(authErr.Reason))
		s.logger.Warn("sign-up failed",
			slog.String("reason", string(authErr.Reason)),
			slog.String("error", err.Error()),
		)
		return nil, authErr
	}

	if sess == nil {
		s.recorder.RecordAuthEvent("sign_up", "confirmation_required")
		return &SignUpOutcome{
			ConfirmationRequired: true,
			Message:              ConfirmEmailMessage,
		}, nil
	}

	fillName(sess, name)
	s.recorder.RecordAuthEvent("sign_up", "success")
	s.replace(sess)
	return &SignUpOutcome{Identity: s.Identity()}, nil
}

// SignOut はセッションを終了する。
// リモート呼び出しが失敗してもローカル状態は必ずクリアし、Listenerへ通知する。
func (s *Store) SignOut(ctx context.Context) {
	s.mu.RLock()
	var token string
	if s.session != nil {
		token = s.session.AccessToken
	}
	s.mu.RUnlock()

	if token != "" {
		if err := s.provider.SignOut(ctx, token); err != nil {
			s.logger.Warn("remote sign-out failed, clearing local session",
				slog.String("error", err.Error()),
			)
		}
	}

	s.recorder.RecordAuthEvent("sign_out", "success")
	s.replace(nil)
}

// Restore は既存のリフレッシュトークンからセッションを復元する。
// 訪問者の状態生成時に1回だけ呼び出す。トークンが無効な場合は未認証のまま。
func (s *Store) Restore(ctx context.Context, refreshToken string) bool {
	if refreshToken == "" {
		return false
	}

	sess, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		s.recorder.RecordAuthEvent("restore", string(classifyAuthError(err).Reason))
		s.logger.Info("session restore failed",
			slog.String("error", err.Error()),
		)
		return false
	}

	if sess.Identity.UserID == "" {
		ident, err := s.provider.CurrentUser(ctx, sess.AccessToken)
		if err != nil {
			s.recorder.RecordAuthEvent("restore", string(classifyAuthError(err).Reason))
			s.logger.Info("failed to read restored user",
				slog.String("error", err.Error()),
			)
			return false
		}
		sess.Identity = *ident
	}

	fillName(sess, "")
	s.recorder.RecordAuthEvent("restore", "success")
	s.replace(sess)
	return true
}

// AccessToken はデータAPI呼び出し用のアクセストークンを返す。
// 期限切れの場合はリフレッシュを試み、失敗した場合は未認証として扱う。
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()

	if sess == nil {
		return "", &model.AuthError{Reason: model.AuthReasonSessionMissing, Message: "Not signed in"}
	}
	if !s.tokenExpired(sess) {
		return sess.AccessToken, nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// 待機中に他の呼び出しがセッションを更新していればそれを使う
	s.mu.RLock()
	current := s.session
	s.mu.RUnlock()
	if current != sess {
		if current == nil {
			return "", &model.AuthError{Reason: model.AuthReasonSessionMissing, Message: "Not signed in"}
		}
		if !s.tokenExpired(current) {
			return current.AccessToken, nil
		}
		sess = current
	}

	if sess.RefreshToken == "" {
		s.replaceIf(sess, nil)
		return "", &model.AuthError{Reason: model.AuthReasonSessionMissing, Message: "Session expired"}
	}

	refreshed, err := s.provider.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		authErr := classifyAuthError(err)
		// 通信失敗ではセッションを保持し、利用者の再操作に委ねる
		if authErr.Reason != model.AuthReasonNetwork && s.replaceIf(sess, nil) {
			s.logger.Info("token refresh rejected, clearing session",
				slog.String("error", err.Error()),
			)
		}
		return "", authErr
	}
	if refreshed.Identity.UserID == "" {
		refreshed.Identity = sess.Identity
	}
	fillName(refreshed, sess.Identity.Name)
	if !s.replaceIf(sess, refreshed) {
		// リフレッシュ中にサインアウト・別アカウントへの切り替えがあった
		return "", &model.AuthError{Reason: model.AuthReasonSessionMissing, Message: "Session changed"}
	}
	return refreshed.AccessToken, nil
}

// tokenExpired はアクセストークンのexpクレームを検証せずに読み取り、期限切れを判定する。
// JWTとして読めない場合はセッションのExpiresAtで判定する。
func (s *Store) tokenExpired(sess *model.AuthSession) bool {
	now := s.now().Add(expiryLeeway)

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(sess.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return !now.Before(claims.ExpiresAt.Time)
	}
	return sess.Expired(now)
}

// replace はセッションを差し替え、Identityが変化した場合にListenerへ通知する。
// 同一ユーザーのトークン更新では通知しない。
func (s *Store) replace(next *model.AuthSession) {
	s.mu.Lock()
	prevSess := s.session
	s.session = next
	s.mu.Unlock()
	s.changed(prevSess, next)
}

// replaceIf は現在のセッションがexpectedのままの場合に限り差し替える。
func (s *Store) replaceIf(expected, next *model.AuthSession) bool {
	s.mu.Lock()
	if s.session != expected {
		s.mu.Unlock()
		return false
	}
	s.session = next
	s.mu.Unlock()
	s.changed(expected, next)
	return true
}

func (s *Store) changed(prevSess, next *model.AuthSession) {
	prev := identityOf(prevSess)
	curr := identityOf(next)
	if sameIdentity(prev, curr) {
		return
	}
	s.notify(prev, curr)
}

func (s *Store) notify(prev, next *model.Identity) {
	s.listenersMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersMu.Unlock()

	for _, l := range listeners {
		l.IdentityChanged(prev, next)
	}
}

func identityOf(sess *model.AuthSession) *model.Identity {
	if sess == nil {
		return nil
	}
	ident := sess.Identity
	return &ident
}

func sameIdentity(a, b *model.Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UserID == b.UserID
}

// fillName は表示名が空の場合に補完する。
// fallbackも空の場合はメールアドレスの@より前を使う。
func fillName(sess *model.AuthSession, fallback string) {
	if sess.Identity.Name != "" {
		return
	}
	if fallback != "" {
		sess.Identity.Name = fallback
		return
	}
	local, _, _ := strings.Cut(sess.Identity.Email, "@")
	sess.Identity.Name = local
}

// classifyAuthError は認証サービスのエラーをAuthErrorに分類する。
func classifyAuthError(err error) *model.AuthError {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	var statusErr *backend.StatusError
	if !errors.As(err, &statusErr) {
		return &model.AuthError{Reason: model.AuthReasonNetwork, Message: "Unable to reach the authentication service", Err: err}
	}

	msg := statusErr.Message
	lower := strings.ToLower(statusErr.Code + " " + msg)
	switch {
	case strings.Contains(lower, "not_confirmed"), strings.Contains(lower, "not confirmed"):
		return &model.AuthError{Reason: model.AuthReasonUnverified, Message: msg, Err: err}
	case strings.Contains(lower, "invalid_credentials"), strings.Contains(lower, "invalid login"),
		strings.Contains(lower, "invalid_grant"):
		return &model.AuthError{Reason: model.AuthReasonInvalidCredentials, Message: msg, Err: err}
	case statusErr.StatusCode >= 500:
		return &model.AuthError{Reason: model.AuthReasonNetwork, Message: msg, Err: err}
	default:
		return &model.AuthError{Reason: model.AuthReasonRejected, Message: msg, Err: err}
	}
}
