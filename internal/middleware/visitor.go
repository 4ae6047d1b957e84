// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/investdesk/internal/model"
	"github.com/hitoshi/investdesk/internal/visitor"
)

const (
	// VisitorCookieName は訪問者IDを保持するCookie名。
	VisitorCookieName = "visitor_id"
	// RefreshCookieName はセッション復元用のリフレッシュトークンを保持するCookie名。
	RefreshCookieName = "refresh_token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var visitorContextKey = contextKey("visitor")

// VisitorSource は訪問者の取得・生成に必要なインターフェース。
// visitor.Registryが満たす。
type VisitorSource interface {
	GetOrCreate(id string) (*visitor.Visitor, bool)
}

// VisitorConfig は訪問者Cookieの設定を保持する。
type VisitorConfig struct {
	CookieSecure bool
	CookieDomain string
	// CookieMaxAge は訪問者Cookieとリフレッシュトークンの有効期間。
	CookieMaxAge time.Duration
	// RestoreTimeout はリフレッシュトークンによるセッション復元のタイムアウト。
	RestoreTimeout time.Duration
}

// NewVisitorMiddleware はvisitor_id Cookieから訪問者を特定し、リクエストコンテキストに注入するミドルウェアを返す。
// 新しい訪問者を生成した場合はCookieを発行し、refresh_token Cookieがあればセッションを1回だけ復元する。
// レスポンスの書き込み時にはSession Storeのリフレッシュトークンをrefresh_token Cookieへ同期する。
func NewVisitorMiddleware(src VisitorSource, config VisitorConfig) func(next http.Handler) http.Handler {
	if config.CookieMaxAge <= 0 {
		config.CookieMaxAge = 30 * 24 * time.Hour
	}
	if config.RestoreTimeout <= 0 {
		config.RestoreTimeout = 10 * time.Second
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if c, err := r.Cookie(VisitorCookieName); err == nil {
				id = c.Value
			}
			var sent string
			if c, err := r.Cookie(RefreshCookieName); err == nil {
				sent = c.Value
			}

			v, created := src.GetOrCreate(id)
			if created {
				http.SetCookie(w, config.cookie(VisitorCookieName, v.ID))
				if sent != "" {
					ctx, cancel := context.WithTimeout(r.Context(), config.RestoreTimeout)
					v.Session.Restore(ctx, sent)
					cancel()
				}
			}

			sw := &tokenSyncWriter{
				ResponseWriter: w,
				sync: func(h http.Header) {
					current := v.Session.RefreshToken()
					if current == sent {
						return
					}
					if current == "" {
						c := config.cookie(RefreshCookieName, "")
						c.MaxAge = -1
						h.Add("Set-Cookie", c.String())
						return
					}
					h.Add("Set-Cookie", config.cookie(RefreshCookieName, current).String())
				},
			}

			next.ServeHTTP(sw, r.WithContext(ContextWithVisitor(r.Context(), v)))
			sw.flushSync()
		})
	}
}

func (c VisitorConfig) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.CookieDomain,
		MaxAge:   int(c.CookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// tokenSyncWriter はヘッダー送信の直前に1回だけsyncを呼び出す。
type tokenSyncWriter struct {
	http.ResponseWriter
	sync   func(h http.Header)
	synced bool
}

func (sw *tokenSyncWriter) flushSync() {
	if sw.synced {
		return
	}
	sw.synced = true
	sw.sync(sw.Header())
}

// WriteHeader はCookieを同期してから委譲する。
func (sw *tokenSyncWriter) WriteHeader(code int) {
	sw.flushSync()
	sw.ResponseWriter.WriteHeader(code)
}

// Write はCookieを同期してから委譲する。
func (sw *tokenSyncWriter) Write(b []byte) (int, error) {
	sw.flushSync()
	return sw.ResponseWriter.Write(b)
}

// VisitorFromContext はリクエストコンテキストから訪問者を取得する。
// 訪問者ミドルウェアを通過したリクエストでのみ有効。
func VisitorFromContext(ctx context.Context) (*visitor.Visitor, bool) {
	v, ok := ctx.Value(visitorContextKey).(*visitor.Visitor)
	return v, ok && v != nil
}

// ContextWithVisitor はコンテキストに訪問者を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithVisitor(ctx context.Context, v *visitor.Visitor) context.Context {
	return context.WithValue(ctx, visitorContextKey, v)
}

// UserIDFromContext はサインイン中の訪問者のユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	v, ok := VisitorFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("visitor not found in context")
	}
	ident := v.Session.Identity()
	if ident == nil || ident.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return ident.UserID, nil
}

// NewRequireSignInMiddleware はサインインしていない訪問者に401を返すミドルウェアを返す。
func NewRequireSignInMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := UserIDFromContext(r.Context()); err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Code:     model.ErrCodeUnauthorized,
					Message:  "Please sign in to continue.",
					Category: "auth",
					Action:   "Sign in and try again.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
