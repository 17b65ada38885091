package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	UserID() string
	// Claims unmarshals the token claims into ref.
	Claims(ref any) error
}

// Authenticator validates bearer tokens.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

type userKey struct{}

// WithUser stores the authenticated principal on ctx.
func WithUser(ctx context.Context, u UserInfo) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the principal stored by Middleware, if any.
func UserFromContext(ctx context.Context) (UserInfo, bool) {
	u, ok := ctx.Value(userKey{}).(UserInfo)
	return u, ok
}
