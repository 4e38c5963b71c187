package model

import "context"

// CredentialProvider supplies the bearer token used by both the push and
// pull channels. Implementations are injected rather than read from ambient
// state so token storage stays the caller's concern.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to the CredentialProvider interface.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements CredentialProvider.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken is a CredentialProvider backed by a fixed token.
type StaticToken string

// Token implements CredentialProvider.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}
