package auth

import (
	"context"
	"errors"
	"slices"
)

// Identity is the resolved caller attached to a request context.
type Identity struct {
	Subject     string   `json:"subject"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	TokenID     string   `json:"-"`
}

func (i Identity) HasPermission(p string) bool {
	return slices.Contains(i.Permissions, p)
}

type ctxKey int

const ctxIdentity ctxKey = iota

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

// IdentityFrom returns false for anonymous requests.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxIdentity).(Identity)
	if !ok || id.Subject == "" {
		return Identity{}, false
	}
	return id, true
}

func Subject(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok {
		return id.Subject, nil
	}
	return "", errors.New("subject not in context")
}

func Role(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.Role != "" {
		return id.Role, nil
	}
	return "", errors.New("role not in context")
}
