package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/authorizer"
	"github.com/aman-churiwal/quota-authorizer/internal/circuitbreaker"
	"github.com/aman-churiwal/quota-authorizer/internal/healthcheck"
	"github.com/aman-churiwal/quota-authorizer/internal/logger"
	"github.com/aman-churiwal/quota-authorizer/internal/middleware"
	"github.com/aman-churiwal/quota-authorizer/internal/quota"
	"github.com/aman-churiwal/quota-authorizer/internal/reporting"
	"github.com/aman-churiwal/quota-authorizer/internal/repository"
	"github.com/aman-churiwal/quota-authorizer/internal/service"
	"github.com/aman-churiwal/quota-authorizer/internal/storage"
	"github.com/aman-churiwal/quota-authorizer/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthorizeRouter(t *testing.T) (*gin.Engine, *storage.Database) {
	t.Helper()
	db := testutil.NewDatabase(t)
	creds := repository.NewCredentialRepository(db)

	a := authorizer.New(
		authorizer.NewResolver(creds, nil, 0, logger.Discard()),
		quota.NewAggregator(creds, 10000, 30*24*time.Hour),
		nil, nil, nil,
		authorizer.Config{Timeout: time.Second},
		logger.Discard(),
	)
	h := NewAuthorizeHandler(a)

	r := gin.New()
	r.POST("/v1/authorize", h.Authorize)
	r.GET("/v1/authorize", h.ForwardAuth)
	return r, db
}

func postJSON(r http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthorize_Allow(t *testing.T) {
	r, db := newAuthorizeRouter(t)
	testutil.SeedCredential(t, db, testutil.CredentialSpec{Secret: "secret-1", Account: "a@example.com", UsageCount: 41})

	w := postJSON(r, "/v1/authorize", authorizer.Request{
		MethodARN: "arn:aws:execute-api:us-east-1:1:api/prod/GET/things",
		Headers:   map[string]string{"X-Api-Key": "secret-1"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var decision authorizer.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.Equal(t, authorizer.EffectAllow, decision.Effect)
	assert.Equal(t, "a@example.com", decision.PrincipalID)
	assert.Equal(t, "arn:aws:execute-api:us-east-1:1:api/prod/*", decision.Resource)
	assert.Equal(t, "42", decision.Context["usageCount"])
	assert.Equal(t, "9958", decision.Context["remainingCalls"])
}

func TestAuthorize_CredentialFromHTTPHeader(t *testing.T) {
	r, db := newAuthorizeRouter(t)
	testutil.SeedCredential(t, db, testutil.CredentialSpec{Secret: "secret-1"})

	w := postJSON(r, "/v1/authorize", authorizer.Request{Stage: "prod"}, map[string]string{"X-API-Key": "secret-1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthorize_DeniesLookIdentical(t *testing.T) {
	r, db := newAuthorizeRouter(t)
	testutil.SeedCredential(t, db, testutil.CredentialSpec{Secret: "full", Account: "full@example.com", UsageCount: 10000})

	tests := []struct {
		name string
		body any
	}{
		{name: "unknown credential", body: authorizer.Request{Headers: map[string]string{"x-api-key": "nope"}}},
		{name: "missing credential", body: authorizer.Request{}},
		{name: "quota exceeded", body: authorizer.Request{Headers: map[string]string{"x-api-key": "full"}}},
		{name: "malformed body", body: "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(r, "/v1/authorize", tt.body, nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, `{"message":"Unauthorized"}`, w.Body.String())
		})
	}
}

func TestForwardAuth(t *testing.T) {
	r, db := newAuthorizeRouter(t)
	cred := testutil.SeedCredential(t, db, testutil.CredentialSpec{Secret: "secret-1", Account: "a@example.com"})

	req := httptest.NewRequest(http.MethodGet, "/v1/authorize", nil)
	req.Header.Set("X-API-Key", "secret-1")
	req.Header.Set("X-Forwarded-Method", "GET")
	req.Header.Set("X-Forwarded-Uri", "/things/1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10000", w.Header().Get("X-Quota-Limit"))
	assert.Equal(t, "9999", w.Header().Get("X-Quota-Remaining"))
	assert.Equal(t, "1", w.Header().Get("X-Quota-Usage"))
	assert.Equal(t, "a@example.com", w.Header().Get("X-Quota-Account"))
	assert.Equal(t, cred.ID.String(), w.Header().Get("X-Quota-Credential"))
	assert.NotEmpty(t, w.Header().Get("X-Quota-Reset"))

	req = httptest.NewRequest(http.MethodGet, "/v1/authorize", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Header().Get("X-Quota-Limit"))
}

func newUsageRouter(t *testing.T, email string) (*gin.Engine, *storage.Database) {
	t.Helper()
	db := testutil.NewDatabase(t)
	gateway := reporting.NewGateway(repository.NewCredentialRepository(db), repository.NewUsageRepository(db), 10000)
	h := NewUsageHandler(gateway, logger.Discard())

	r := gin.New()
	r.GET("/v1/usage", func(c *gin.Context) {
		if email != "" {
			c.Set(middleware.AccountEmailKey, email)
		}
		c.Next()
	}, h.GetUsage)
	return r, db
}

func TestUsageHandler(t *testing.T) {
	r, db := newUsageRouter(t, "a@example.com")
	testutil.SeedCredential(t, db, testutil.CredentialSpec{Account: "a@example.com", UsageCount: 2500})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage?include_recent=true", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		CurrentPeriod struct {
			Usage      int64   `json:"usage"`
			Limit      int64   `json:"limit"`
			Remaining  int64   `json:"remaining"`
			Percentage float64 `json:"percentage"`
		} `json:"current_period"`
		APIKeys struct {
			Active int `json:"active"`
			Total  int `json:"total"`
		} `json:"api_keys"`
		RecentRequests []json.RawMessage `json:"recent_requests"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(2500), body.CurrentPeriod.Usage)
	assert.Equal(t, int64(7500), body.CurrentPeriod.Remaining)
	assert.InDelta(t, 25.0, body.CurrentPeriod.Percentage, 0.001)
	assert.Equal(t, 1, body.APIKeys.Active)
	assert.NotNil(t, body.RecentRequests)
}

func TestUsageHandler_BadQuery(t *testing.T) {
	r, _ := newUsageRouter(t, "a@example.com")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage?include_recent=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsageHandler_RequiresAccount(t *testing.T) {
	r, _ := newUsageRouter(t, "")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionHandler(t *testing.T) {
	db := testutil.NewDatabase(t)
	sessions := service.NewSessionService(repository.NewAccountRepository(db), "secret", 1)
	_, err := sessions.Register(context.Background(), "owner@example.com", "pw", "Owner")
	require.NoError(t, err)

	r := gin.New()
	r.POST("/v1/session", NewSessionHandler(sessions).Login)

	w := postJSON(r, "/v1/session", map[string]string{"email": "owner@example.com", "password": "pw"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	claims, err := sessions.ValidateToken(body.Token)
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", claims.AccountEmail)

	w = postJSON(r, "/v1/session", map[string]string{"email": "owner@example.com", "password": "bad"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postJSON(r, "/v1/session", map[string]string{"email": "owner@example.com"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemHandler(t *testing.T) {
	checker := healthcheck.NewChecker(healthcheck.Config{}, logger.Discard())
	checker.Register("database", func(context.Context) error { return nil })
	checker.Register("redis", func(context.Context) error { return errors.New("down") })
	checker.CheckNow()

	breaker := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 1})
	_ = breaker.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	h := NewSystemHandler(checker, map[string]*circuitbreaker.Breaker{"webhook": breaker}, "test")
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/system/breakers", h.CircuitBreakerStatus)
	r.POST("/system/breakers/:name/reset", h.ResetCircuitBreaker)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/system/breakers", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"open"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/system/breakers/webhook/reset", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/system/breakers/missing/reset", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
