package backend

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/investdesk/internal/model"
)

// userPayload は認証APIが返すユーザー情報。
type userPayload struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	UserMetadata struct {
		Name string `json:"name"`
	} `json:"user_metadata"`
}

// identity は表示名が未登録の場合は空のまま返す。補完はセッション側で行う。
func (u *userPayload) identity() model.Identity {
	return model.Identity{
		UserID: u.ID,
		Email:  u.Email,
		Name:   strings.TrimSpace(u.UserMetadata.Name),
	}
}

// sessionPayload はトークン発行レスポンス。
// サインアップでメール確認が必要な場合は access_token を含まずユーザー情報のみが返る。
type sessionPayload struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         *userPayload `json:"user"`
}

func (p *sessionPayload) session(now time.Time) *model.AuthSession {
	s := &model.AuthSession{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
	}
	switch {
	case p.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(p.ExpiresAt, 0)
	case p.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(p.ExpiresIn) * time.Second)
	}
	if p.User != nil {
		s.Identity = p.User.identity()
	}
	return s
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Data     struct {
		Name string `json:"name"`
	} `json:"data"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// SignIn はメールアドレスとパスワードでセッションを発行する。
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.AuthSession, error) {
	var out sessionPayload
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   credentialsRequest{Email: email, Password: password},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.session(time.Now()), nil
}

// SignUp はアカウントを作成する。
// メール確認待ちでセッションが発行されない場合は (nil, nil) を返す。
func (c *Client) SignUp(ctx context.Context, email, password, name string) (*model.AuthSession, error) {
	body := signUpRequest{Email: email, Password: password}
	body.Data.Name = name

	var out struct {
		sessionPayload
		userPayload
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body:   body,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		c.logger.Info("sign-up requires email confirmation",
			slog.String("user_id", out.userPayload.ID),
		)
		return nil, nil
	}
	return out.sessionPayload.session(time.Now()), nil
}

// Refresh はリフレッシュトークンで新しいセッションを発行する。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.AuthSession, error) {
	var out sessionPayload
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   refreshRequest{RefreshToken: refreshToken},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.session(time.Now()), nil
}

// SignOut はアクセストークンに紐づくセッションを無効化する。
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/auth/v1/logout",
		accessToken: accessToken,
	}, nil)
}

// CurrentUser はアクセストークンの持ち主のユーザー情報を取得する。
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*model.Identity, error) {
	var out userPayload
	err := c.do(ctx, request{
		method:      http.MethodGet,
		path:        "/auth/v1/user",
		accessToken: accessToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	ident := out.identity()
	return &ident, nil
}
