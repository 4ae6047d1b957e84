// Package model はドメインモデルを定義する。
package model

import "time"

// Identity は認証済みユーザーの識別情報を表す。
// 外部認証サービスが正であり、本サービスではメモリ上にのみ保持する。
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// AuthSession は外部認証サービスが発行したセッションを表す。
type AuthSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Identity     Identity
}

// Expired は指定時刻時点でアクセストークンが期限切れかどうかを返す。
// ExpiresAtが未設定の場合は期限切れとして扱わない。
func (s *AuthSession) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}
