package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func jwtTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", JWTAuthMiddleware(testJWTSecret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("userID")})
	})
	return r
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTAuthMiddleware(t *testing.T) {
	router := jwtTestRouter()
	validClaims := jwt.MapClaims{
		"uid": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{
			name:       "valid token",
			authHeader: "Bearer " + signToken(t, testJWTSecret, validClaims),
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing header",
			authHeader: "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "not a bearer token",
			authHeader: signToken(t, testJWTSecret, validClaims),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong secret",
			authHeader: "Bearer " + signToken(t, "another-secret-entirely-32-chars", validClaims),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "expired token",
			authHeader: "Bearer " + signToken(t, testJWTSecret, jwt.MapClaims{
				"uid": "user-42",
				"exp": time.Now().Add(-time.Hour).Unix(),
			}),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/protected", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestJWTAuthMiddlewareRejectsUnsignedToken(t *testing.T) {
	// alg=none must never pass, regardless of claims
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"uid": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	router := jwtTestRouter()
	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+unsigned)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthMiddlewareExtractsUserID(t *testing.T) {
	router := jwtTestRouter()

	t.Run("uid claim", func(t *testing.T) {
		tok := signToken(t, testJWTSecret, jwt.MapClaims{
			"uid": "user-42",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		req := httptest.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "user-42")
	})

	t.Run("sub fallback", func(t *testing.T) {
		tok := signToken(t, testJWTSecret, jwt.MapClaims{
			"sub": "user-77",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		req := httptest.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "user-77")
	})
}

func TestInternalAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/internal", InternalAuthMiddleware("internal-secret-32-characters-ok"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	tests := []struct {
		name       string
		secret     string
		wantStatus int
	}{
		{name: "correct secret", secret: "internal-secret-32-characters-ok", wantStatus: http.StatusOK},
		{name: "wrong secret", secret: "nope", wantStatus: http.StatusUnauthorized},
		{name: "missing secret", secret: "", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/internal", nil)
			if tt.secret != "" {
				req.Header.Set("X-Internal-Secret", tt.secret)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}
