// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"net/http"

	"github.com/hitoshi/investdesk/internal/model"
)

// signInRequest はサインインリクエストのボディ。
type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// signUpRequest はサインアップリクエストのボディ。
type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// userResponse はサインイン中のユーザー情報のAPIレスポンス。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// signUpResponse はサインアップのAPIレスポンス。
// メール確認待ちの場合Userはnull。
type signUpResponse struct {
	User                 *userResponse `json:"user"`
	ConfirmationRequired bool          `json:"confirmation_required"`
	Message              string        `json:"message,omitempty"`
}

// AuthHandler は訪問者のSession Storeを操作する認証ハンドラー。
type AuthHandler struct{}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	v, ok := visitorOrError(w, r)
	if !ok {
		return
	}
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ident, err := v.Session.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(ident))
}

// SignUp はアカウントを作成する。
// メール確認が必要な場合は202で案内文を返し、サインイン状態は変わらない。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	v, ok := visitorOrError(w, r)
	if !ok {
		return
	}
	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	outcome, err := v.Session.SignUp(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if outcome.ConfirmationRequired {
		writeJSON(w, http.StatusAccepted, signUpResponse{
			ConfirmationRequired: true,
			Message:              outcome.Message,
		})
		return
	}
	writeJSON(w, http.StatusCreated, signUpResponse{User: toUserResponse(outcome.Identity)})
}

// SignOut はセッションを終了する。リモートの失敗に関わらずローカル状態はクリアされる。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	v, ok := visitorOrError(w, r)
	if !ok {
		return
	}
	v.Session.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のサインインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	v, ok := visitorOrError(w, r)
	if !ok {
		return
	}
	ident := v.Session.Identity()
	if ident == nil {
		handleServiceError(w, &model.AuthError{Reason: model.AuthReasonSessionMissing})
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(ident))
}

func toUserResponse(ident *model.Identity) *userResponse {
	if ident == nil {
		return nil
	}
	return &userResponse{
		ID:    ident.UserID,
		Email: ident.Email,
		Name:  ident.Name,
	}
}
