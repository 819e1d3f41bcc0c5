package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type fakeVerifier struct {
	token *firebaseauth.Token
	err   error
	seen  string
}

func (f *fakeVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	f.seen = idToken
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

type fakeUserGetter struct {
	record  *firebaseauth.UserRecord
	calls   int
	lastUID string
}

func (f *fakeUserGetter) GetUser(_ context.Context, uid string) (*firebaseauth.UserRecord, error) {
	f.calls++
	f.lastUID = uid
	return f.record, nil
}

func authedRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestRequireFirebaseAuthPopulatesIdentity(t *testing.T) {
	verifier := &fakeVerifier{
		token: &firebaseauth.Token{
			UID: "uid-123",
			Claims: map[string]interface{}{
				"role":   []interface{}{"staff", "admin", "staff"},
				"locale": "en-GB",
				"email":  "buyer@example.com",
			},
		},
	}
	users := &fakeUserGetter{record: &firebaseauth.UserRecord{
		UserInfo: &firebaseauth.UserInfo{UID: "uid-123", Email: "buyer@example.com"},
	}}

	authn := NewAuthenticator(verifier, WithUserGetter(users))

	rr := httptest.NewRecorder()
	authn.RequireFirebaseAuth(RoleStaff)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if identity.UID != "uid-123" || identity.Email != "buyer@example.com" || identity.Locale != "en-GB" {
			t.Fatalf("unexpected identity fields: %+v", identity)
		}
		if len(identity.Roles) != 2 {
			t.Fatalf("expected duplicate roles collapsed, got %v", identity.Roles)
		}
		if !identity.HasRole(RoleAdmin) {
			t.Fatalf("expected admin role, got %v", identity.Roles)
		}

		first, err := identity.User(r.Context())
		if err != nil {
			t.Fatalf("user load: %v", err)
		}
		second, err := identity.User(r.Context())
		if err != nil || first != second {
			t.Fatal("expected memoized user record")
		}

		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, authedRequest("id-token"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if verifier.seen != "id-token" {
		t.Fatalf("verifier received %q", verifier.seen)
	}
	if users.calls != 1 || users.lastUID != "uid-123" {
		t.Fatalf("expected one user fetch for uid-123, got calls=%d uid=%q", users.calls, users.lastUID)
	}
}

func TestRequireFirebaseAuthRoleMapClaim(t *testing.T) {
	verifier := &fakeVerifier{
		token: &firebaseauth.Token{
			UID: "uid-789",
			Claims: map[string]interface{}{
				"role": map[string]interface{}{"admin": true, "staff": false},
			},
		},
	}

	authn := NewAuthenticator(verifier)

	rr := httptest.NewRecorder()
	authn.RequireFirebaseAuth(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if identity.HasRole(RoleStaff) {
			t.Fatalf("staff=false must not grant the role: %v", identity.Roles)
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, authedRequest("map-claim-token"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRequireFirebaseAuthRejections(t *testing.T) {
	cases := []struct {
		name     string
		verifier *fakeVerifier
		roles    []string
		header   string
		wantCode string
	}{
		{
			name:     "expired token",
			verifier: &fakeVerifier{err: ErrTokenExpired},
			roles:    []string{RoleUser},
			header:   "Bearer expired",
			wantCode: "token_expired",
		},
		{
			name:     "invalid token",
			verifier: &fakeVerifier{err: ErrTokenInvalid},
			roles:    []string{RoleUser},
			header:   "Bearer garbage",
			wantCode: "invalid_token",
		},
		{
			name: "insufficient role",
			verifier: &fakeVerifier{token: &firebaseauth.Token{
				UID:    "uid-1",
				Claims: map[string]interface{}{"role": "user"},
			}},
			roles:    []string{RoleAdmin},
			header:   "Bearer user-token",
			wantCode: "insufficient_role",
		},
		{
			name:     "missing bearer",
			verifier: &fakeVerifier{},
			roles:    []string{RoleUser},
			header:   "",
			wantCode: "unauthenticated",
		},
		{
			name:     "wrong scheme",
			verifier: &fakeVerifier{},
			roles:    []string{RoleUser},
			header:   "Basic dXNlcjpwdw==",
			wantCode: "unauthenticated",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			authn := NewAuthenticator(tc.verifier)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			rr := httptest.NewRecorder()
			authn.RequireFirebaseAuth(tc.roles...)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			})).ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}

			var body map[string]interface{}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("expected JSON error body: %v", err)
			}
			if body["error"] != tc.wantCode {
				t.Fatalf("expected error %q, got %v", tc.wantCode, body["error"])
			}
		})
	}
}

func TestRequireFirebaseAuthFallbackRole(t *testing.T) {
	verifier := &fakeVerifier{token: &firebaseauth.Token{
		UID:    "uid-456",
		Claims: map[string]interface{}{},
	}}

	authn := NewAuthenticator(verifier)

	rr := httptest.NewRecorder()
	authn.RequireFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if len(identity.Roles) != 1 || identity.Roles[0] != RoleUser {
			t.Fatalf("expected fallback role %q, got %v", RoleUser, identity.Roles)
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, authedRequest("no-role-token"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}
