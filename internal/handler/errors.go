package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/investdesk/internal/dashboard"
	"github.com/hitoshi/investdesk/internal/middleware"
	"github.com/hitoshi/investdesk/internal/model"
	"github.com/hitoshi/investdesk/internal/visitor"
)

// maxRequestBody はJSONリクエストボディの上限サイズ。
const maxRequestBody = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "Request body could not be parsed.",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// handleServiceError はドメイン層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	status, apiErr := mapError(err)
	if status == http.StatusInternalServerError {
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteErrorResponse(w, status, apiErr)
}

// mapError はエラーの種類からHTTPステータスとレスポンス内容を決める。
func mapError(err error) (int, *model.APIError) {
	var (
		vErr   *model.ValidationError
		aErr   *model.AuthError
		fErr   *model.FetchError
		mErr   *model.MutationError
		apiErr *model.APIError
	)
	switch {
	case errors.Is(err, dashboard.ErrMutationInFlight):
		return http.StatusConflict, model.NewMutationInFlightError()

	case errors.As(err, &vErr):
		return http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeValidation,
			Message:  vErr.Message,
			Category: "validation",
			Action:   "入力内容を確認してください。",
		}

	case errors.As(err, &aErr):
		return mapAuthError(aErr)

	case errors.As(err, &mErr):
		if mErr.Rejected() {
			// サーバーの文言は加工せずに返す
			return http.StatusUnprocessableEntity, &model.APIError{
				Code:     model.ErrCodeMutationRejected,
				Message:  mErr.Message,
				Category: "ledger",
				Action:   "内容を確認して再度お試しください。",
			}
		}
		if mErr.Kind == model.FailureAuth {
			return unauthorized("Your session has expired. Please sign in again.")
		}
		return http.StatusBadGateway, &model.APIError{
			Code:     model.ErrCodeMutationFailed,
			Message:  "Transaction could not be completed. Please try again.",
			Category: "ledger",
			Action:   "しばらく待ってから再度お試しください。",
		}

	case errors.As(err, &fErr):
		if fErr.Kind == model.FailureAuth {
			return unauthorized("Your session has expired. Please sign in again.")
		}
		return http.StatusBadGateway, &model.APIError{
			Code:     model.ErrCodeFetchFailed,
			Message:  "Account data could not be loaded.",
			Category: "ledger",
			Action:   "しばらく待ってから再度お試しください。",
		}

	case errors.As(err, &apiErr):
		return mapAPIErrorToHTTPStatus(apiErr), apiErr
	}
	return http.StatusInternalServerError, nil
}

func mapAuthError(e *model.AuthError) (int, *model.APIError) {
	switch e.Reason {
	case model.AuthReasonNetwork:
		return http.StatusBadGateway, &model.APIError{
			Code:     model.ErrCodeAuthUnavailable,
			Message:  "Unable to reach the authentication service.",
			Category: "auth",
			Action:   "ネットワーク接続を確認して再度お試しください。",
		}
	case model.AuthReasonUnverified:
		return http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeUnverified,
			Message:  messageOr(e.Message, "Email not confirmed"),
			Category: "auth",
			Action:   "確認メールのリンクを開いてから再度サインインしてください。",
		}
	case model.AuthReasonInvalidCredentials:
		return http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeInvalidLogin,
			Message:  messageOr(e.Message, "Invalid login credentials"),
			Category: "auth",
			Action:   "メールアドレスとパスワードを確認してください。",
		}
	case model.AuthReasonSessionMissing:
		return unauthorized(messageOr(e.Message, "Please sign in to continue."))
	default:
		return http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeUnauthorized,
			Message:  messageOr(e.Message, "Authentication failed."),
			Category: "auth",
			Action:   "入力内容を確認して再度お試しください。",
		}
	}
}

func unauthorized(msg string) (int, *model.APIError) {
	return http.StatusUnauthorized, &model.APIError{
		Code:     model.ErrCodeUnauthorized,
		Message:  msg,
		Category: "auth",
		Action:   "サインインしてください。",
	}
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized, model.ErrCodeInvalidLogin, model.ErrCodeUnverified:
		return http.StatusUnauthorized
	case model.ErrCodePackageNotFound:
		return http.StatusNotFound
	case model.ErrCodeMutationInFlight:
		return http.StatusConflict
	case model.ErrCodeMutationRejected:
		return http.StatusUnprocessableEntity
	case model.ErrCodeFetchFailed, model.ErrCodeMutationFailed, model.ErrCodeAuthUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// visitorOrError はコンテキストから訪問者を取得する。訪問者ミドルウェアを通っていない場合は500を書き込む。
func visitorOrError(w http.ResponseWriter, r *http.Request) (*visitor.Visitor, bool) {
	v, ok := middleware.VisitorFromContext(r.Context())
	if !ok {
		slog.Error("visitor missing from request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return v, true
}
