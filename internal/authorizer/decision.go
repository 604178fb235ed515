package authorizer

import (
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/aman-churiwal/quota-authorizer/internal/quota"
)

const (
	EffectAllow = "Allow"
	EffectDeny  = "Deny"

	// CredentialHeader carries the raw secret.
	CredentialHeader = "x-api-key"
)

// Request is the addressing of the call being authorized.
type Request struct {
	MethodARN  string            `json:"method_arn"`
	HTTPMethod string            `json:"http_method"`
	Path       string            `json:"path"`
	Stage      string            `json:"stage"`
	Headers    map[string]string `json:"headers"`
}

// Credential returns the secret from the credential header, matched
// case-insensitively.
func (r Request) Credential() string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, CredentialHeader) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Decision is what the caller receives.
type Decision struct {
	PrincipalID string            `json:"principalId"`
	Effect      string            `json:"effect"`
	Resource    string            `json:"resource,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

func (d *Decision) Allowed() bool {
	return d != nil && d.Effect == EffectAllow
}

// Deny is the single decision returned for every failure.
func Deny() *Decision {
	return &Decision{Effect: EffectDeny}
}

// Allow builds the decision for a resolved credential within quota.
func Allow(req Request, cred *models.Credential, res *quota.Result) *Decision {
	return &Decision{
		PrincipalID: cred.AccountEmail,
		Effect:      EffectAllow,
		Resource:    ResourcePattern(req),
		Context: map[string]string{
			"accountId":       cred.AccountEmail,
			"accountEmail":    cred.AccountEmail,
			"credentialId":    cred.ID.String(),
			"credentialLabel": cred.Label,
			"usageCount":      strconv.FormatInt(res.ProjectedTotal, 10),
			"usageLimit":      strconv.FormatInt(res.Limit, 10),
			"remainingCalls":  strconv.FormatInt(res.Remaining, 10),
			"usageResetDate":  res.ResetDate.UTC().Format(time.RFC3339),
		},
	}
}

// ResourcePattern widens the request's resource to every verb and path of
// the same stage: "<api arn>/<stage>/*".
func ResourcePattern(req Request) string {
	prefix, stage := "", req.Stage

	if req.MethodARN != "" {
		parts := strings.SplitN(req.MethodARN, "/", 3)
		prefix = parts[0]
		if stage == "" && len(parts) > 1 {
			stage = parts[1]
		}
	}

	if stage == "" {
		if prefix == "" {
			return "*"
		}
		return prefix + "/*"
	}

	return prefix + "/" + stage + "/*"
}
