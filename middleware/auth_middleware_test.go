package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/models"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Claims), args.Error(1)
}

func analystClaims() *Claims {
	return &Claims{
		Role:     "analyst",
		Attrs:    map[string]string{"region": "west"},
		RowScope: map[string][]string{"state": {"CA", "OR"}},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-analyst",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestJWTValidator(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		v := NewJWTValidator(testSecret, "")
		token, err := v.Sign(analystClaims())
		require.NoError(t, err)

		claims, err := v.ValidateToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, models.CallerContext{
			Subject:    "u-analyst",
			Role:       "analyst",
			Attributes: map[string]string{"region": "west"},
			RowScope:   map[string][]string{"state": {"CA", "OR"}},
		}, claims.Caller())
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewJWTValidator("another-secret-another-secret-xx", "").Sign(analystClaims())
		require.NoError(t, err)

		_, err = NewJWTValidator(testSecret, "").ValidateToken(ctx, token)
		assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		claims := analystClaims()
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		v := NewJWTValidator(testSecret, "")
		token, err := v.Sign(claims)
		require.NoError(t, err)

		_, err = v.ValidateToken(ctx, token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("issuer enforced", func(t *testing.T) {
		token, err := NewJWTValidator(testSecret, "someone-else").Sign(analystClaims())
		require.NoError(t, err)

		_, err = NewJWTValidator(testSecret, "analytics-control-plane").ValidateToken(ctx, token)
		assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
	})

	t.Run("other algorithms rejected", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, analystClaims()).SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = NewJWTValidator(testSecret, "").ValidateToken(ctx, token)
		assert.Error(t, err)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := NewJWTValidator(testSecret, "").ValidateToken(ctx, "")
		assert.ErrorIs(t, err, ErrMissingToken)
	})
}

func TestClaims_CallerIsACopy(t *testing.T) {
	claims := analystClaims()
	caller := claims.Caller()
	caller.RowScope["state"][0] = "NY"
	caller.Attributes["region"] = "east"

	assert.Equal(t, "CA", claims.RowScope["state"][0])
	assert.Equal(t, "west", claims.Attrs["region"])
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid bearer token attaches the caller", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		mockValidator.On("ValidateToken", mock.Anything, "valid-token").Return(analystClaims(), nil)
		m := NewAuthMiddleware(mockValidator, logger)

		handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := GetCallerFromContext(r.Context())
			assert.True(t, ok)
			assert.Equal(t, "analyst", caller.Role)
			assert.Equal(t, []string{"CA", "OR"}, caller.RowScope["state"])
			assert.NotNil(t, GetClaimsFromContext(r.Context()))
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockValidator.AssertExpectations(t)
	})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"no token", "Bearer"},
	}
	for _, tt := range tests {
		t.Run(tt.name+" returns 401", func(t *testing.T) {
			mockValidator := new(MockTokenValidator)
			m := NewAuthMiddleware(mockValidator, logger)
			handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			mockValidator.AssertNumberOfCalls(t, "ValidateToken", 0)
		})
	}

	t.Run("invalid token returns 401", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		mockValidator.On("ValidateToken", mock.Anything, "invalid-token").
			Return(nil, errors.New("token validation failed"))
		m := NewAuthMiddleware(mockValidator, logger)

		handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler should not be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer invalid-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "unauthorized")
	})
}

func TestRequireRole(t *testing.T) {
	m := NewAuthMiddleware(new(MockTokenValidator), zap.NewNop())
	handler := m.RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		caller *models.CallerContext
		want   int
	}{
		{"admin passes", &models.CallerContext{Role: "admin"}, http.StatusNoContent},
		{"other role is forbidden", &models.CallerContext{Role: "analyst"}, http.StatusForbidden},
		{"no caller is unauthorized", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/reload", nil)
			if tt.caller != nil {
				req = req.WithContext(WithCaller(req.Context(), *tt.caller))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
