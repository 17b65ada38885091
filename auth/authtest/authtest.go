// Package authtest provides an Authenticator for tests.
package authtest

import (
	"context"
	"fmt"

	"github.com/ggoodman/ontap-mcp-server-go/auth"
)

// Tokens accepts a fixed set of tokens, each mapped to a user id. The
// token "no-scope" authenticates but fails the scope check.
type Tokens map[string]string

func (t Tokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "no-scope" {
		return nil, fmt.Errorf("%w: want ontap:read", auth.ErrInsufficientScope)
	}
	sub, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return user(sub), nil
}

type user string

func (u user) UserID() string       { return string(u) }
func (u user) Claims(ref any) error { return nil }

var _ auth.Authenticator = Tokens(nil)
