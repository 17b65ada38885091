// Package auth provides optional bearer token authentication for the MCP
// routes.
//
// An Authenticator validates a bearer token string and returns a UserInfo
// or an error wrapping ErrUnauthorized or ErrInsufficientScope. Middleware
// extracts the token from the Authorization header and maps those errors to
// HTTP challenges:
//
//	401 Bearer error="invalid_token"       missing, expired or forged token
//	400 Bearer error="invalid_request"     malformed Authorization header
//	403 Bearer error="insufficient_scope"  valid token without required scope
//
// Two validators are available. NewJWT checks JWTs against a fixed JWKS URL.
// NewFromDiscovery learns the JWKS URL from the issuer's OpenID Connect
// discovery document. Both refresh keys in the background.
//
//	authn, err := auth.NewFromDiscovery(ctx, auth.Config{
//	    Issuer:   "https://issuer.example",
//	    Audience: "https://ontap-mcp.example/mcp",
//	}, auth.WithRequiredScopes("ontap:read"))
//	if err != nil { log.Fatal(err) }
//	mux.Handle("/mcp", auth.Middleware(authn, auth.WithRealm("ontap-mcp"))(h))
package auth
