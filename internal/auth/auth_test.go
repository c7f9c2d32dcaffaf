package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJWTService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT:  JWTOptions{Secret: "test-secret", Issuer: "survival-chain", AccessTTL: time.Minute},
		Controllers: []Seed{
			{Username: "alice", Password: "wonderland", Permissions: []string{PermAgentsRead, PermRequestsResolve}},
			{Username: "root", Password: "toor", Permissions: []string{"*"}},
			{Username: "mallory", Password: "x", Disabled: true},
		},
	}, NewMemoryStore())
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(context.Background(), Config{Mode: ModeJWT}, NewMemoryStore())
	assert.Error(t, err)

	_, err = NewService(context.Background(), Config{Mode: "oauth"}, NewMemoryStore())
	assert.Error(t, err)

	svc, err := NewService(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, svc.Mode())
}

func TestAuthenticateIssuesToken(t *testing.T) {
	svc := newJWTService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(60), pair.ExpiresIn)

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject.Username)
	assert.True(t, subject.HasPermission(PermRequestsResolve))
	assert.False(t, subject.HasPermission(PermSettingsWrite))
}

func TestAuthenticateRejects(t *testing.T) {
	svc := newJWTService(t)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, TokenRequest{Username: "ghost", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, TokenRequest{Username: "mallory", Password: "x"})
	assert.ErrorIs(t, err, ErrSubjectRevoked)

	_, err = svc.Authenticate(ctx, TokenRequest{GrantType: "client_credentials"})
	assert.ErrorIs(t, err, ErrUnsupportedGrant)

	_, err = svc.AuthenticateRequest(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.AuthenticateRequest(ctx, "Bearer not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	svc := newJWTService(t)
	other := &jwtManager{secret: []byte("other"), issuer: "survival-chain", accessTTL: time.Minute}
	pair, err := other.Generate(&Subject{ID: 1, Username: "alice"})
	require.NoError(t, err)

	_, err = svc.AuthenticateRequest(context.Background(), "Bearer "+pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWildcardPermission(t *testing.T) {
	subject := &Subject{Permissions: []string{"*"}}
	assert.NoError(t, subject.Authorize(AllPermissions...))

	revoked := &Subject{Permissions: []string{"*"}, Disabled: true}
	assert.ErrorIs(t, revoked.Authorize(PermAgentsRead), ErrSubjectRevoked)
}

func TestMiddleware(t *testing.T) {
	svc := newJWTService(t)
	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)

	var seen *Subject
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name   string
		perms  []string
		header string
		status int
	}{
		{name: "missing token", perms: []string{PermAgentsRead}, status: http.StatusUnauthorized},
		{name: "allowed", perms: []string{PermAgentsRead}, header: "Bearer " + pair.AccessToken, status: http.StatusNoContent},
		{name: "forbidden", perms: []string{PermSettingsWrite}, header: "Bearer " + pair.AccessToken, status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			svc.Middleware(tc.perms...)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.Username)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	svc.Middleware(PermSettingsWrite)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
