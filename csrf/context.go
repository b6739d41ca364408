package csrf

import "context"

type ctxKey string

const tokenKey ctxKey = "csrf_token_ctx"

type issued struct {
	name  string
	value string
}

// contextWithToken returns a derived context that stores the issued token.
//
// Params:
// - ctx: base context to attach the token to.
// - name: token name the value was issued under.
// - tok: token value to store.
//
// Returns:
// - a new context containing the token.
func contextWithToken(ctx context.Context, name, tok string) context.Context {
	return context.WithValue(ctx, tokenKey, issued{name: name, value: tok})
}

// TokenFromContext returns the token name and value stored by Issue, if present.
//
// Params:
// - ctx: context potentially containing a token set by Issue.
//
// Returns:
// - token name, token value and a boolean indicating whether a token was found.
func TokenFromContext(ctx context.Context) (name, tok string, ok bool) {
	v, ok := ctx.Value(tokenKey).(issued)
	if !ok {
		return "", "", false
	}
	return v.name, v.value, true
}
