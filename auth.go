package docsync

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the token store is externally owned. the transport only ever reads it.
// an empty token means the session is logged out and the transport must
// stay offline until a new token appears.
type TokenSource func() string

// notified when the server pushes TOKEN_INVALIDATE. the external auth
// collaborator decides what happens next (re-login, logout, ...).
type UnauthorizedFunc func()

type EditorClaims struct {
	EditorId    string
	WorkspaceId WorkspaceId
	UserName    string
}

// claims are read without signature verification. the server is the
// authority on the token; the client only needs the ids for labeling
// its own pushes and presence.
func ParseEditorClaimsUnverified(token string) (*EditorClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token")
	}

	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	editorClaims := &EditorClaims{}
	if editorId, ok := claims["editor_id"].(string); ok {
		editorClaims.EditorId = editorId
	}
	if workspaceId, ok := claims["workspace_id"].(string); ok {
		editorClaims.WorkspaceId = workspaceId
	}
	if userName, ok := claims["user_name"].(string); ok {
		editorClaims.UserName = userName
	}
	return editorClaims, nil
}

// best effort: empty when the token carries no editor id
func EditorIdFromToken(token string) string {
	claims, err := ParseEditorClaimsUnverified(token)
	if err != nil {
		return ""
	}
	return claims.EditorId
}
