package handler

import (
	"net/http"

	"github.com/aman-churiwal/quota-authorizer/internal/authorizer"
	"github.com/gin-gonic/gin"
)

// Maps decision context keys to forward-auth response headers.
var quotaHeaders = map[string]string{
	"accountId":      "X-Quota-Account",
	"credentialId":   "X-Quota-Credential",
	"usageCount":     "X-Quota-Usage",
	"usageLimit":     "X-Quota-Limit",
	"remainingCalls": "X-Quota-Remaining",
	"usageResetDate": "X-Quota-Reset",
}

type AuthorizeHandler struct {
	authorizer *authorizer.Authorizer
}

func NewAuthorizeHandler(a *authorizer.Authorizer) *AuthorizeHandler {
	return &AuthorizeHandler{authorizer: a}
}

// Handles POST /v1/authorize
func (h *AuthorizeHandler) Authorize(c *gin.Context) {
	var req authorizer.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		unauthorized(c)
		return
	}

	if req.Credential() == "" {
		if key := c.GetHeader("X-API-Key"); key != "" {
			if req.Headers == nil {
				req.Headers = make(map[string]string, 1)
			}
			req.Headers[authorizer.CredentialHeader] = key
		}
	}

	decision, err := h.authorizer.Authorize(c.Request.Context(), req)
	if err != nil {
		unauthorized(c)
		return
	}

	c.JSON(http.StatusOK, decision)
}

// Handles GET /v1/authorize for reverse proxies doing forward auth
func (h *AuthorizeHandler) ForwardAuth(c *gin.Context) {
	req := authorizer.Request{
		HTTPMethod: c.GetHeader("X-Forwarded-Method"),
		Path:       c.GetHeader("X-Forwarded-Uri"),
		Stage:      c.Query("stage"),
		Headers: map[string]string{
			authorizer.CredentialHeader: c.GetHeader("X-API-Key"),
		},
	}

	decision, err := h.authorizer.Authorize(c.Request.Context(), req)
	if err != nil {
		unauthorized(c)
		return
	}

	for key, header := range quotaHeaders {
		if v, ok := decision.Context[key]; ok {
			c.Header(header, v)
		}
	}
	c.Status(http.StatusOK)
}

// Every deny looks the same to the caller.
func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
}
