// README: Tests for Firebase auth middleware and role checks.
package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"ridelink/internal/http/middleware"
	"ridelink/internal/infra"
	"ridelink/internal/types"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.FirebaseToken
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.FirebaseToken, error) {
	return s.token, s.err
}

func newTestRouter(auth gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth)
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": middleware.CallerUID(c), "role": middleware.CallerRole(c)})
	})
	r.GET("/driver-only", middleware.RequireRole(types.RoleFulfiller), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func serve(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		verifier *stubVerifier
		header   string
	}{
		{"missing header", &stubVerifier{token: &infra.FirebaseToken{UID: "user1"}}, ""},
		{"invalid bearer prefix", &stubVerifier{token: &infra.FirebaseToken{UID: "user1"}}, "Token sometoken"},
		{"empty bearer", &stubVerifier{token: &infra.FirebaseToken{UID: "user1"}}, "Bearer  "},
		{"verifier error", &stubVerifier{err: errors.New("bad token")}, "Bearer invalidtoken"},
		{"empty uid", &stubVerifier{token: &infra.FirebaseToken{}}, "Bearer validtoken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(middleware.Auth(tt.verifier))
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			w := serve(r, "/test", headers)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestAuth_RoleFromClaim(t *testing.T) {
	tests := []struct {
		claims map[string]interface{}
		want   types.Role
	}{
		{map[string]interface{}{"role": "driver"}, types.RoleFulfiller},
		{map[string]interface{}{"role": "fulfiller"}, types.RoleFulfiller},
		{map[string]interface{}{"role": "admin"}, types.RoleRequester},
		{map[string]interface{}{}, types.RoleRequester},
	}
	for _, tt := range tests {
		r := newTestRouter(middleware.Auth(&stubVerifier{token: &infra.FirebaseToken{UID: "u123", Claims: tt.claims}}))
		w := serve(r, "/test", map[string]string{"Authorization": "Bearer validtoken"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), `"uid":"u123"`), w.Body.String())
		assert.True(t, strings.Contains(w.Body.String(), `"role":"`+string(tt.want)+`"`), w.Body.String())
	}
}

func TestHeaderAuth(t *testing.T) {
	r := newTestRouter(middleware.HeaderAuth())

	w := serve(r, "/test", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(r, "/test", map[string]string{middleware.HeaderUserID: "d1", middleware.HeaderUserRole: "driver"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"fulfiller"`)
}

func TestRequireRole(t *testing.T) {
	r := newTestRouter(middleware.HeaderAuth())

	w := serve(r, "/driver-only", map[string]string{middleware.HeaderUserID: "p1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(r, "/driver-only", map[string]string{middleware.HeaderUserID: "d1", middleware.HeaderUserRole: "driver"})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery(zap.NewNop()))
	r.GET("/boom", func(*gin.Context) { panic("boom") })
	w := serve(r, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal error")
}
