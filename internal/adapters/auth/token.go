package auth

// TokenAuth resolves bearer tokens to user identities from a static table.
type TokenAuth struct {
	users map[string]string
}

// NewTokenAuth creates a TokenAuth from a token-to-identity table. User
// identities take the "<service>:<username>" form, e.g. "github:alice".
func NewTokenAuth(tokens map[string]string) *TokenAuth {
	users := make(map[string]string, len(tokens))
	for token, user := range tokens {
		users[token] = user
	}
	return &TokenAuth{users: users}
}

// UserForToken returns the identity for a token, or "" if unknown.
func (a *TokenAuth) UserForToken(token string) string {
	return a.users[token]
}
