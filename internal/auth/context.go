package auth

import (
	"context"
	"errors"
)

var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the verified caller of a read API request.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        string
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, userID, workspaceID, role string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{UserID: userID, WorkspaceID: workspaceID, Role: role})
}

func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func UserID(ctx context.Context) (string, error) {
	return field(ctx, func(id Identity) string { return id.UserID }, "user_id")
}

func WorkspaceID(ctx context.Context) (string, error) {
	return field(ctx, func(id Identity) string { return id.WorkspaceID }, "workspace_id")
}

func Role(ctx context.Context) (string, error) {
	return field(ctx, func(id Identity) string { return id.Role }, "role")
}

func field(ctx context.Context, get func(Identity) string, name string) (string, error) {
	id, err := IdentityFrom(ctx)
	if err != nil {
		return "", err
	}
	if v := get(id); v != "" {
		return v, nil
	}
	return "", errors.New("auth: " + name + " not in context")
}
