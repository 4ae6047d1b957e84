package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/investdesk/internal/backend"
	"github.com/hitoshi/investdesk/internal/handoff"
	"github.com/hitoshi/investdesk/internal/metrics"
	"github.com/hitoshi/investdesk/internal/middleware"
	"github.com/hitoshi/investdesk/internal/model"
)

type errorBody = middleware.ErrorResponseBody

// --- 運用エンドポイント ---

func TestHealth(t *testing.T) {
	t.Run("依存先なし", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", decodeBody[map[string]string](t, resp)["status"])
		assert.Zero(t, env.registry.Len(), "/health は訪問者を生成しない")
	})

	t.Run("DB疎通失敗", func(t *testing.T) {
		env := newTestEnv(t, func(d *RouterDeps) {
			d.HealthChecker = &mockHealthChecker{err: errors.New("connection refused")}
		})
		resp := env.do(http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "unavailable", decodeBody[map[string]string](t, resp)["status"])
	})
}

func TestMetricsEndpoint_RecordsHTTPStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	env := newTestEnv(t, func(d *RouterDeps) {
		d.StatusRecorder = collector
		d.MetricsHandler = metrics.Handler(reg)
	})

	env.do(http.MethodGet, "/api/packages", nil)
	resp := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "investdesk_http_status_total")
}

// --- 認証 ---

func TestAuth_SignInAndMe(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "未サインインの /auth/me は401")

	resp = env.do(http.MethodPost, "/auth/signin", map[string]string{"email": "jane@example.com", "password": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := decodeBody[userResponse](t, resp)
	assert.Equal(t, "user-jane@example.com", user.ID)
	assert.Equal(t, "Jane Doe", user.Name)

	var refresh *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == middleware.RefreshCookieName {
			refresh = c
		}
	}
	require.NotNil(t, refresh, "サインイン後にrefresh_token Cookieが発行されるべき")
	assert.Equal(t, "refresh-jane@example.com", refresh.Value)
	assert.True(t, refresh.HttpOnly)
	env.waitReloads()

	resp = env.do(http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "jane@example.com", decodeBody[userResponse](t, resp).Email)
}

func TestAuth_SignInErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "認証情報の誤り",
			err:        &backend.StatusError{StatusCode: http.StatusBadRequest, Code: "invalid_credentials", Message: "Invalid login credentials"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   model.ErrCodeInvalidLogin,
		},
		{
			name:       "メール未確認",
			err:        &backend.StatusError{StatusCode: http.StatusBadRequest, Code: "email_not_confirmed", Message: "Email not confirmed"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   model.ErrCodeUnverified,
		},
		{
			name:       "通信失敗",
			err:        errors.New("dial tcp: connection refused"),
			wantStatus: http.StatusBadGateway,
			wantCode:   model.ErrCodeAuthUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.auth.signInFn = func(ctx context.Context, email, password string) (*model.AuthSession, error) {
				return nil, tt.err
			}

			resp := env.do(http.MethodPost, "/auth/signin", map[string]string{"email": "jane@example.com", "password": "wrong"})
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, decodeBody[errorBody](t, resp).Code)
		})
	}
}

func TestAuth_SignIn_MalformedBody(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/auth/signin", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("X-CSRF-Token", env.csrfToken())

	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", decodeBody[errorBody](t, resp).Code)
}

func TestAuth_SignIn_WithoutCSRFToken_Rejected(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.client.Post(env.server.URL+"/auth/signin", "application/json",
		strings.NewReader(`{"email":"jane@example.com","password":"secret"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuth_SignUp(t *testing.T) {
	t.Run("メール確認待ち", func(t *testing.T) {
		env := newTestEnv(t)
		env.auth.signUpFn = func(ctx context.Context, email, password, name string) (*model.AuthSession, error) {
			return nil, nil
		}

		resp := env.do(http.MethodPost, "/auth/signup", map[string]string{"email": "new@example.com", "password": "secret", "name": "New"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		body := decodeBody[signUpResponse](t, resp)
		assert.True(t, body.ConfirmationRequired)
		assert.Nil(t, body.User)
		assert.NotEmpty(t, body.Message)

		resp = env.do(http.MethodGet, "/auth/me", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "確認待ちではサインイン状態にならない")
	})

	t.Run("即時サインイン", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(http.MethodPost, "/auth/signup", map[string]string{"email": "new@example.com", "password": "secret", "name": "New"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		body := decodeBody[signUpResponse](t, resp)
		require.NotNil(t, body.User)
		assert.Equal(t, "new@example.com", body.User.Email)
		env.waitReloads()
	})
}

func TestAuth_SignOut(t *testing.T) {
	env := newTestEnv(t)
	env.signIn("jane@example.com")

	resp := env.do(http.MethodPost, "/auth/signout", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == middleware.RefreshCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "サインアウトでrefresh_token Cookieが削除されるべき")
	assert.Equal(t, 1, env.auth.signOuts)

	resp = env.do(http.MethodGet, "/api/dashboard", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// --- カタログ ---

func TestPackages_ListAndGet(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/api/packages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[struct {
		Packages []model.Package `json:"packages"`
	}](t, resp)
	require.Len(t, list.Packages, 2)
	assert.Equal(t, "basic", list.Packages[0].ID, "表示順が保たれるべき")

	resp = env.do(http.MethodGet, "/api/packages/ev", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Electric Vehicle Parts", decodeBody[model.Package](t, resp).Title)

	resp = env.do(http.MethodGet, "/api/packages/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodePackageNotFound, decodeBody[errorBody](t, resp).Code)
}

func TestSelectPackage_Anonymous_ReturnsHandoff(t *testing.T) {
	env := newTestEnv(t)
	var invested bool
	env.backend.investFn = func(ctx context.Context, title string, amount decimal.Decimal, days int) (*model.Result, error) {
		invested = true
		return &model.Result{Success: true}, nil
	}

	resp := env.do(http.MethodPost, "/api/packages/ev/select", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[selectResponse](t, resp)

	assert.Equal(t, selectActionHandoff, body.Action)
	require.NotNil(t, body.Link)
	assert.True(t, strings.HasPrefix(body.Link.URL, "https://wa.me/254700000000?text="), body.Link.URL)
	assert.Contains(t, body.Link.Message, "Electric Vehicle Parts")
	assert.Equal(t, handoff.BuyNotice("Electric Vehicle Parts"), body.Notice)
	assert.False(t, invested, "未サインインでは投資を作成しない")
}

func TestSelectPackage_SignedIn_CreatesInvestment(t *testing.T) {
	env := newTestEnv(t)
	var (
		gotTitle  string
		gotAmount decimal.Decimal
		gotDays   int
	)
	env.backend.investFn = func(ctx context.Context, title string, amount decimal.Decimal, days int) (*model.Result, error) {
		gotTitle, gotAmount, gotDays = title, amount, days
		return &model.Result{Success: true, Message: "Investment created"}, nil
	}
	env.signIn("jane@example.com")

	resp := env.do(http.MethodPost, "/api/packages/ev/select", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[selectResponse](t, resp)

	assert.Equal(t, selectActionInvested, body.Action)
	assert.True(t, body.Success)
	assert.Equal(t, "Investment created", body.Message)
	require.NotNil(t, body.Dashboard)
	assert.Equal(t, "ready", body.Dashboard.Status, "成功後に再読み込みされるべき")

	assert.Equal(t, "Electric Vehicle Parts", gotTitle)
	assert.True(t, gotAmount.Equal(decimal.NewFromInt(2000)), "金額はパッケージ価格: %s", gotAmount)
	assert.Equal(t, 14, gotDays)
}

func TestSelectPackage_SignedIn_Rejected(t *testing.T) {
	env := newTestEnv(t)
	env.backend.investFn = func(ctx context.Context, title string, amount decimal.Decimal, days int) (*model.Result, error) {
		return &model.Result{Success: false, Message: "Insufficient balance"}, nil
	}
	env.signIn("jane@example.com")

	resp := env.do(http.MethodPost, "/api/packages/basic/select", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, model.ErrCodeMutationRejected, body.Code)
	assert.Equal(t, "Insufficient balance", body.Message)
}

func TestSelectPackage_UnknownPackage(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/api/packages/missing/select", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --- 引き継ぎ ---

func TestHandoff_ChatAndInterest(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/api/handoff/chat", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://wa.me/254700000000", decodeBody[handoff.Link](t, resp).URL)

	resp = env.do(http.MethodGet, "/api/packages/basic/interest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	link := decodeBody[handoff.Link](t, resp)
	assert.Contains(t, link.URL, "Basic%20Starter%20Package")
	assert.NotContains(t, link.URL, "+")
}

func TestHandoff_ClientDetails(t *testing.T) {
	tests := []struct {
		name       string
		details    handoff.ClientDetails
		wantStatus int
	}{
		{
			name:       "正常",
			details:    handoff.ClientDetails{FullName: "Jane Doe", Phone: "0712345678", Amount: "2500"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "必須項目の欠落",
			details:    handoff.ClientDetails{FullName: "Jane Doe", Amount: "2500"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "価格未満の金額",
			details:    handoff.ClientDetails{FullName: "Jane Doe", Phone: "0712345678", Amount: "1999"},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			resp := env.do(http.MethodPost, "/api/packages/ev/handoff", tt.details)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, model.ErrCodeValidation, decodeBody[errorBody](t, resp).Code)
				return
			}
			link := decodeBody[handoff.Link](t, resp)
			assert.Contains(t, link.Message, "• Full Name: Jane Doe")
			assert.Contains(t, link.Message, "• Email: Not provided")
			assert.Contains(t, link.Message, "KES 2,500")
		})
	}
}

// --- ダッシュボード ---

func TestDashboard_RequiresSignIn(t *testing.T) {
	env := newTestEnv(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/dashboard"},
		{http.MethodPost, "/api/dashboard/deposit"},
		{http.MethodPost, "/api/dashboard/withdraw"},
	} {
		resp := env.do(tc.method, tc.path, map[string]string{"amount": "100"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestDashboard_Get(t *testing.T) {
	env := newTestEnv(t)
	env.signIn("jane@example.com")

	resp := env.do(http.MethodGet, "/api/dashboard", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[dashboardResponse](t, resp)

	assert.Equal(t, "ready", body.Status)
	require.NotNil(t, body.User)
	assert.Equal(t, "jane@example.com", body.User.Email)
	require.NotNil(t, body.Balance)
	assert.True(t, body.Balance.Amount.Equal(decimal.NewFromInt(5000)))
	assert.Len(t, body.Transactions, 1)
	assert.Empty(t, body.Investments)
	assert.Empty(t, body.Errors)
	assert.NotNil(t, body.UpdatedAt)
}

func TestDashboard_Get_PartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.backend.profileFn = func(ctx context.Context) (*model.Balance, error) {
		return nil, &backend.StatusError{StatusCode: http.StatusInternalServerError, Message: "db error"}
	}
	env.signIn("jane@example.com")

	resp := env.do(http.MethodGet, "/api/dashboard", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[dashboardResponse](t, resp)

	assert.Equal(t, "partial", body.Status)
	assert.Nil(t, body.Balance, "取得失敗の残高は0ではなくnull")
	assert.Equal(t, "Account data could not be loaded.", body.Errors["balance"])
	assert.Len(t, body.Transactions, 1, "他のセクションは表示される")
}

func TestDashboard_Deposit(t *testing.T) {
	env := newTestEnv(t)
	env.signIn("jane@example.com")

	var depositCalls int
	env.backend.depositFn = func(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
		depositCalls++
		assert.True(t, amount.Equal(decimal.RequireFromString("1500.50")), "amount = %s", amount)
		return &model.Result{Success: true, Message: "Deposit of KES 1,500 received"}, nil
	}
	env.backend.profileFn = func(ctx context.Context) (*model.Balance, error) {
		return &model.Balance{Amount: decimal.RequireFromString("6500.50")}, nil
	}

	resp := env.do(http.MethodPost, "/api/dashboard/deposit", map[string]any{"amount": "1500.50"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[mutationResponse](t, resp)

	assert.True(t, body.Success)
	assert.Equal(t, "Deposit of KES 1,500 received", body.Message)
	require.NotNil(t, body.Dashboard.Balance)
	assert.True(t, body.Dashboard.Balance.Amount.Equal(decimal.RequireFromString("6500.50")),
		"残高はサーバーから再取得した値: %s", body.Dashboard.Balance.Amount)
	assert.Equal(t, 1, depositCalls)
}

func TestDashboard_Deposit_InvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	env.signIn("jane@example.com")
	env.backend.depositFn = func(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
		t.Error("不正な金額でバックエンドを呼び出してはならない")
		return nil, nil
	}

	resp := env.do(http.MethodPost, "/api/dashboard/deposit", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeValidation, decodeBody[errorBody](t, resp).Code)
}

func TestDashboard_Deposit_NetworkFailure(t *testing.T) {
	env := newTestEnv(t)
	env.signIn("jane@example.com")
	env.backend.depositFn = func(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
		return nil, errors.New("connection reset")
	}

	resp := env.do(http.MethodPost, "/api/dashboard/deposit", map[string]any{"amount": 100})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, model.ErrCodeMutationFailed, decodeBody[errorBody](t, resp).Code)
}

func TestDashboard_Withdraw(t *testing.T) {
	tests := []struct {
		name       string
		amount     string
		wantStatus int
		wantCalled bool
	}{
		{"残高以内", "1000", http.StatusOK, true},
		{"残高超過", "5000.01", http.StatusBadRequest, false},
		{"0以下", "-5", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.signIn("jane@example.com")
			var called bool
			env.backend.withdrawFn = func(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
				called = true
				return &model.Result{Success: true, Message: "Withdrawal requested"}, nil
			}

			resp := env.do(http.MethodPost, "/api/dashboard/withdraw", map[string]string{"amount": tt.amount})
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCalled, called)
		})
	}
}

func TestDashboard_Withdraw_ServerRejected(t *testing.T) {
	env := newTestEnv(t)
	env.signIn("jane@example.com")
	env.backend.withdrawFn = func(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
		return &model.Result{Success: false, Message: "Minimum withdrawal is KES 200"}, nil
	}

	resp := env.do(http.MethodPost, "/api/dashboard/withdraw", map[string]string{"amount": "100"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "Minimum withdrawal is KES 200", decodeBody[errorBody](t, resp).Message)
}

func TestDashboard_Withdraw_BalanceUnavailable(t *testing.T) {
	tests := []struct {
		name       string
		profileErr error
		wantStatus int
		wantCode   string
	}{
		{"通信失敗", errors.New("connection reset"), http.StatusBadGateway, model.ErrCodeFetchFailed},
		{"トークン無効", &backend.StatusError{StatusCode: http.StatusUnauthorized, Message: "JWT expired"}, http.StatusUnauthorized, model.ErrCodeUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.backend.profileFn = func(ctx context.Context) (*model.Balance, error) {
				return nil, tt.profileErr
			}
			env.signIn("jane@example.com")
			var called bool
			env.backend.withdrawFn = func(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
				called = true
				return &model.Result{Success: true}, nil
			}

			resp := env.do(http.MethodPost, "/api/dashboard/withdraw", map[string]any{"amount": 100})
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, decodeBody[errorBody](t, resp).Code)
			assert.False(t, called, "残高が取得できない場合は出金を呼び出さない")
		})
	}
}

func TestDashboard_ConcurrentMutation_Returns409(t *testing.T) {
	env := newTestEnv(t)
	env.signIn("jane@example.com")

	entered := make(chan struct{})
	release := make(chan struct{})
	env.backend.depositFn = func(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
		close(entered)
		<-release
		return &model.Result{Success: true}, nil
	}

	token := env.csrfToken()
	firstDone := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/dashboard/deposit", strings.NewReader(`{"amount":100}`))
		req.Header.Set("X-CSRF-Token", token)
		resp, err := env.client.Do(req)
		if err != nil {
			firstDone <- 0
			return
		}
		resp.Body.Close()
		firstDone <- resp.StatusCode
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("1件目の入金が開始されない")
	}

	resp := env.do(http.MethodPost, "/api/dashboard/withdraw", map[string]any{"amount": 100})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeMutationInFlight, decodeBody[errorBody](t, resp).Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-firstDone)
}

func TestDashboard_ExpiredSession_Returns401(t *testing.T) {
	env := newTestEnv(t)
	env.signIn("jane@example.com")

	unauthorized := &backend.StatusError{StatusCode: http.StatusUnauthorized, Message: "JWT expired"}
	env.backend.depositFn = func(ctx context.Context, amount decimal.Decimal) (*model.Result, error) {
		return nil, unauthorized
	}

	resp := env.do(http.MethodPost, "/api/dashboard/deposit", map[string]any{"amount": 100})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeBody[errorBody](t, resp).Code)
}
