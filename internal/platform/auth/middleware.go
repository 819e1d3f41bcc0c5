package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
)

const (
	defaultRoleClaim     = "role"
	defaultLocaleClaim   = "locale"
	defaultEmailClaim    = "email"
	defaultFallbackRole  = RoleUser
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired reports an expired Firebase ID token.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid reports a Firebase ID token rejected for any other reason.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// UserGetter loads Firebase user records.
type UserGetter interface {
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// Authenticator turns Firebase token verification into chi-compatible middleware.
type Authenticator struct {
	verifier TokenVerifier
	users    UserGetter

	roleClaim   string
	localeClaim string
	emailClaim  string

	fallbackRole string
	timeout      time.Duration
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithUserGetter enables lazy Identity.User lookups through the Admin SDK.
func WithUserGetter(getter UserGetter) Option {
	return func(a *Authenticator) {
		a.users = getter
	}
}

// WithRoleClaim changes which custom claim carries roles.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithLocaleClaim changes which claim fills Identity.Locale.
func WithLocaleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.localeClaim = claim
		}
	}
}

// WithEmailClaim changes which claim fills Identity.Email.
func WithEmailClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.emailClaim = claim
		}
	}
}

// WithFallbackRole sets the role granted when the token carries none.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		if role = cleanRole(role); role != "" {
			a.fallbackRole = role
		}
	}
}

// WithVerificationTimeout bounds token verification and user lookups.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator builds an Authenticator around the given verifier.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		roleClaim:    defaultRoleClaim,
		localeClaim:  defaultLocaleClaim,
		emailClaim:   defaultEmailClaim,
		fallbackRole: defaultFallbackRole,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth verifies the bearer token and, when allowedRoles is
// non-empty, requires the identity to hold at least one of them.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := newRoleSet(allowedRoles)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			ctx, cancel := a.boundedContext(r.Context())
			if cancel != nil {
				defer cancel()
			}

			token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
			if err != nil {
				respondVerificationError(w, err)
				return
			}

			identity := a.identityFromToken(token)
			if len(identity.Roles) == 0 {
				respondAuthError(w, http.StatusUnauthorized, "missing_role", "no roles associated with identity")
				return
			}
			if !allowed.permits(identity.Roles) {
				respondAuthError(w, http.StatusUnauthorized, "insufficient_role", "identity does not have required role")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// identityFromToken maps claims into an Identity, falling back to the standard
// claim names when a custom claim override is empty for this token.
func (a *Authenticator) identityFromToken(token *firebaseauth.Token) *Identity {
	identity := &Identity{
		UID:    token.UID,
		Email:  stringClaim(token.Claims, a.emailClaim),
		Locale: stringClaim(token.Claims, a.localeClaim),
		Roles:  rolesFromClaim(token.Claims[a.roleClaim]),
		token:  token,
	}

	if identity.Email == "" {
		identity.Email = stringClaim(token.Claims, defaultEmailClaim)
	}
	if identity.Locale == "" {
		identity.Locale = stringClaim(token.Claims, defaultLocaleClaim)
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}

	if a.users != nil {
		identity.userLoader = func(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
			if uid == "" {
				uid = identity.UID
			}
			ctx, cancel := a.boundedContext(ctx)
			if cancel != nil {
				defer cancel()
			}
			return a.users.GetUser(ctx, uid)
		}
	}

	return identity
}

func (a *Authenticator) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a == nil || a.timeout <= 0 {
		return ctx, nil
	}
	return context.WithTimeout(ctx, a.timeout)
}

// roleSet is a normalised set of role names; the empty set permits everything.
type roleSet map[string]struct{}

func newRoleSet(roles []string) roleSet {
	set := make(roleSet, len(roles))
	for _, role := range roles {
		if role = cleanRole(role); role != "" {
			set[role] = struct{}{}
		}
	}
	return set
}

func (s roleSet) permits(roles []string) bool {
	if len(s) == 0 {
		return true
	}
	for _, role := range roles {
		if _, ok := s[cleanRole(role)]; ok {
			return true
		}
	}
	return false
}

// rolesFromClaim accepts the claim shapes Firebase consoles and custom-claim
// scripts produce in the wild: a single string, a string list, or a
// role->bool map.
func rolesFromClaim(raw any) []string {
	switch v := raw.(type) {
	case string:
		if role := cleanRole(v); role != "" {
			return []string{role}
		}
		return nil
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				roles = append(roles, str)
			}
		}
		return dedupeRoles(roles)
	case []string:
		return dedupeRoles(v)
	case map[string]interface{}:
		roles := make([]string, 0, len(v))
		for name, value := range v {
			if granted, ok := value.(bool); ok && granted {
				if role := cleanRole(name); role != "" {
					roles = append(roles, role)
				}
			}
		}
		return roles
	default:
		return nil
	}
}

func dedupeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, raw := range roles {
		role := cleanRole(raw)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func stringClaim(claims map[string]interface{}, key string) string {
	if str, ok := claims[key].(string); ok {
		return strings.TrimSpace(str)
	}
	return ""
}

func cleanRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}

func respondVerificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	default:
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed")
	}
}
