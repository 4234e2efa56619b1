package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTValidator_ValidateToken(t *testing.T) {
	validator := NewJWTValidator("secret", "distributor")
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	issue := func(v *JWTValidator, producer Producer, claims jwt.RegisteredClaims) string {
		token, err := v.IssueToken(producer, claims)
		require.NoError(t, err)
		return token
	}

	tests := []struct {
		name    string
		token   string
		want    Producer
		wantErr bool
	}{
		{
			name:  "valid",
			token: issue(validator, Producer{ID: "billing", Queues: []string{"orders"}}, jwt.RegisteredClaims{ExpiresAt: future}),
			want:  Producer{ID: "billing", Queues: []string{"orders"}},
		},
		{
			name:    "expired",
			token:   issue(validator, Producer{ID: "billing"}, jwt.RegisteredClaims{ExpiresAt: past}),
			wantErr: true,
		},
		{
			name:    "no expiry",
			token:   issue(validator, Producer{ID: "billing"}, jwt.RegisteredClaims{}),
			wantErr: true,
		},
		{
			name:    "wrong secret",
			token:   issue(NewJWTValidator("other", "distributor"), Producer{ID: "billing"}, jwt.RegisteredClaims{ExpiresAt: future}),
			wantErr: true,
		},
		{
			name:    "wrong issuer",
			token:   issue(NewJWTValidator("secret", "someone-else"), Producer{ID: "billing"}, jwt.RegisteredClaims{ExpiresAt: future}),
			wantErr: true,
		},
		{
			name:    "missing subject",
			token:   issue(validator, Producer{}, jwt.RegisteredClaims{ExpiresAt: future}),
			wantErr: true,
		},
		{
			name:    "unsigned",
			token:   mustSignNone(t, jwt.RegisteredClaims{Subject: "billing", ExpiresAt: future, Issuer: "distributor"}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validator.ValidateToken(context.Background(), tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func mustSignNone(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return token
}

func TestProducer_CanPublish(t *testing.T) {
	assert.True(t, Producer{Queues: []string{"orders"}}.CanPublish("orders"))
	assert.False(t, Producer{Queues: []string{"orders"}}.CanPublish("payments"))
	assert.True(t, Producer{Queues: []string{AnyQueue}}.CanPublish("payments"))
	assert.False(t, Producer{}.CanPublish("orders"))
}

func TestAuthMiddleware(t *testing.T) {
	validator := NewJWTValidator("secret", "")
	valid, err := validator.IssueToken(Producer{ID: "billing"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	var seen Producer
	handler := AuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetProducer(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "valid", header: "Bearer " + valid, wantStatus: http.StatusNoContent},
		{name: "lowercase scheme", header: "bearer " + valid, wantStatus: http.StatusNoContent},
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "no token", header: "Bearer", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = Producer{}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusNoContent {
				assert.Equal(t, "billing", seen.ID)
			}
		})
	}
}
