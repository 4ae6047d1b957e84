package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, ledger, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation       = "VALIDATION_FAILED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInvalidLogin     = "INVALID_CREDENTIALS"
	ErrCodeUnverified       = "EMAIL_NOT_CONFIRMED"
	ErrCodeAuthUnavailable  = "AUTH_UNAVAILABLE"
	ErrCodeFetchFailed      = "FETCH_FAILED"
	ErrCodeMutationRejected = "MUTATION_REJECTED"
	ErrCodeMutationFailed   = "MUTATION_FAILED"
	ErrCodeMutationInFlight = "MUTATION_IN_FLIGHT"
	ErrCodePackageNotFound  = "PACKAGE_NOT_FOUND"
)

// NewPackageNotFoundError はパッケージ未検出エラーを生成する。
func NewPackageNotFoundError(packageID string) *APIError {
	return &APIError{
		Code:     ErrCodePackageNotFound,
		Message:  fmt.Sprintf("Package not found: %s", packageID),
		Category: "validation",
		Action:   "カタログに表示されているパッケージを選択してください。",
	}
}

// NewMutationInFlightError は処理中の操作がある場合のエラーを生成する。
func NewMutationInFlightError() *APIError {
	return &APIError{
		Code:     ErrCodeMutationInFlight,
		Message:  "Another transaction is still being processed.",
		Category: "ledger",
		Action:   "処理が完了してから再度操作してください。",
	}
}

// ValidationError はリモート呼び出し前に検出できる入力不備を表す。
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError はValidationErrorを生成する。
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AuthReason は認証失敗の理由を表す。
type AuthReason string

const (
	AuthReasonInvalidCredentials AuthReason = "invalid_credentials"
	AuthReasonUnverified         AuthReason = "unverified"
	AuthReasonNetwork            AuthReason = "network"
	AuthReasonRejected           AuthReason = "rejected"
	AuthReasonSessionMissing     AuthReason = "session_missing"
)

// AuthError はサインイン・サインアップの拒否またはセッション無効を表す。
// Messageは認証サービスが返した文言（あれば）を保持する。
type AuthError struct {
	Reason  AuthReason
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return fmt.Sprintf("auth error: %s", e.Reason)
	}
	return fmt.Sprintf("auth error (%s): %s", e.Reason, msg)
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// FailureKind はリモート呼び出しの失敗種別を表す。
type FailureKind string

const (
	// FailureNetwork は接続不可やタイムアウト等の通信失敗。
	FailureNetwork FailureKind = "network"
	// FailureAuth はアクセストークンの欠落・失効。
	FailureAuth FailureKind = "auth"
	// FailureServer はサーバーエラーや不正な応答。
	FailureServer FailureKind = "server"
	// FailureRejected は業務ルールによる拒否（MutationErrorのみ）。
	FailureRejected FailureKind = "rejected"
)

// FetchError は参照系クエリの失敗を表す。
type FetchError struct {
	Op   string
	Kind FailureKind
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// MutationError は入金・出金・投資作成の失敗を表す。
// Kind が FailureRejected の場合、Message はサーバーが返した文言そのもの。
type MutationError struct {
	Op      string
	Kind    FailureKind
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *MutationError) Error() string {
	if e.Kind == FailureRejected {
		return fmt.Sprintf("%s rejected: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *MutationError) Unwrap() error {
	return e.Err
}

// Rejected は業務ルールによる拒否かどうかを返す。
func (e *MutationError) Rejected() bool {
	return e.Kind == FailureRejected
}
