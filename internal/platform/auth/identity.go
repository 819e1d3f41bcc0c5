package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Roles recognised by the API. Buyers authenticate as "user"; back-office
// staff and administrators carry elevated claims.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// ErrUserLoaderUnavailable reports an Identity built without a user loader.
var ErrUserLoaderUnavailable = errors.New("auth: user loader not configured")

// UserLoader fetches the Firebase user profile for a UID.
type UserLoader func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)

// Identity is the authenticated principal derived from a Firebase ID token.
// Handlers read it from the request context via IdentityFromContext.
type Identity struct {
	UID    string
	Email  string
	Roles  []string
	Locale string

	token *firebaseauth.Token

	userLoader UserLoader
	once       sync.Once
	userRecord *firebaseauth.UserRecord
	userErr    error
}

// Token returns the decoded Firebase ID token backing this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity holds the role, case-insensitively.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	for _, held := range i.Roles {
		if strings.EqualFold(held, role) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity holds at least one of the roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// User loads the full Firebase user record on first call and caches the
// result for the lifetime of the identity.
func (i *Identity) User(ctx context.Context) (*firebaseauth.UserRecord, error) {
	if i == nil || i.userLoader == nil {
		return nil, ErrUserLoaderUnavailable
	}

	i.once.Do(func() {
		i.userRecord, i.userErr = i.userLoader(ctx, i.UID)
	})

	return i.userRecord, i.userErr
}

type identityKey struct{}

// WithIdentity attaches the identity to the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity the auth middleware stored.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
