// Package backend は外部のBaaS（認証API + REST/RPCデータストア）のクライアントを提供する。
// 認証エンドポイント（/auth/v1）とテーブル・ストアドプロシージャ（/rest/v1）を扱う。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	// maxResponseSize はレスポンスボディの読み取り上限（1MB）。
	maxResponseSize = 1 << 20
	userAgent       = "InvestDesk/1.0"
)

// Client は外部サービスのHTTPクライアント。
// anonKeyは全リクエストのapikeyヘッダーに付与する公開キー。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	anonKey    string
}

// NewClient はClient の新しいインスタンスを生成する。
// baseURLの末尾スラッシュは取り除く。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, anonKey string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
	}
}

// StatusError は外部サービスが2xx以外のステータスを返したことを表す。
// CodeとMessageはエラーボディから抽出した値（存在しない場合は空）。
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// IsTransport はエラーが通信レベルの失敗（ステータス応答なし）かどうかを返す。
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	return !errors.As(err, &statusErr)
}

// errorBody は外部サービスのエラーレスポンス。
// 認証APIは error/error_description 形式と code/msg/error_code 形式の両方を返しうる。
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Code             any    `json:"code"`
}

// request は1回のHTTPリクエストの内容。
type request struct {
	method      string
	path        string
	query       url.Values
	body        any
	accessToken string
	accept      string
}

// do はリクエストを送信し、2xxの場合はレスポンスをoutにデコードする。
// outがnilの場合はボディを読み捨てる。
func (c *Client) do(ctx context.Context, req request, out any) error {
	reqURL := c.baseURL + req.path
	if len(req.query) > 0 {
		reqURL += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("apikey", c.anonKey)
	token := req.accessToken
	if token == "" {
		token = c.anonKey
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	accept := req.accept
	if accept == "" {
		accept = "application/json"
	}
	httpReq.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("backend request failed",
			slog.String("method", req.method),
			slog.String("path", req.path),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := parseStatusError(resp.StatusCode, data)
		c.logger.Warn("backend returned error status",
			slog.String("method", req.method),
			slog.String("path", req.path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("error_code", statusErr.Code),
		)
		return statusErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Error("failed to decode backend response",
			slog.String("path", req.path),
			slog.String("error", err.Error()),
		)
		return &StatusError{StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}

// parseStatusError はエラーボディからStatusErrorを組み立てる。
// ボディが解析できない場合はステータスコードのみを保持する。
func parseStatusError(status int, data []byte) *StatusError {
	e := &StatusError{StatusCode: status}
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return e
	}

	switch {
	case body.ErrorCode != "":
		e.Code = body.ErrorCode
	case body.Error != "":
		e.Code = body.Error
	case body.Code != nil:
		if s, ok := body.Code.(string); ok {
			e.Code = s
		}
	}

	switch {
	case body.Msg != "":
		e.Message = body.Msg
	case body.ErrorDescription != "":
		e.Message = body.ErrorDescription
	case body.Message != "":
		e.Message = body.Message
	case body.Error != "":
		e.Message = body.Error
	}
	return e
}
