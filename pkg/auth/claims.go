package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// JwtClaims is the payload of a workspace access token.
type JwtClaims struct {
	jwt.RegisteredClaims
	InstanceURL string    `json:"instanceUrl"`
	Principal   Principal `json:"principal"`
}

// Principal identifies the authenticated user or technical user.
type Principal struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Role       string     `json:"role"`
	Status     string     `json:"status"`
	Account    Account    `json:"account"`
	Permission Permission `json:"permission"`
}

// Account is the customer account the principal belongs to.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Permission scopes the principal to one workspace.
type Permission struct {
	ID            string `json:"id"`
	WorkspaceID   string `json:"workspaceId"`
	WorkspaceName string `json:"workspaceName"`
	Role          string `json:"role"`
	Status        string `json:"status"`
}

// Claims decodes the token payload without verifying its signature. The token is obtained
// over TLS from the issuer, which is the only trust anchor. Returns nil when the token is not
// a well-formed JWT.
func Claims(token string) *JwtClaims {
	if token == "" {
		return nil
	}
	claims := &JwtClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}

// WorkspaceName is a nil-safe accessor used in log lines.
func (c *JwtClaims) WorkspaceName() string {
	if c == nil {
		return ""
	}
	return c.Principal.Permission.WorkspaceName
}
