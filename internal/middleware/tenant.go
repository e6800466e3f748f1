package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/convo-crm/backend/internal/identity"
	"github.com/convo-crm/backend/internal/models"
	"github.com/convo-crm/backend/internal/tenants"
)

const (
	// ContextIdentity is the key for the verified *identity.Identity in gin context.
	ContextIdentity = "identity"

	// SessionCookie carries the identity provider's access token.
	SessionCookie = "sb-access-token"
	// TenantCookie is set once a request is resolved to a tenant.
	TenantCookie = "tenant_id"

	loginPath = "/login"
)

// Resolution failures. All of them end in the same login redirect.
var (
	ErrMissingDomain     = errors.New("missing domain")
	ErrTenantNotFound    = tenants.ErrTenantNotFound
	ErrLookupFailed      = errors.New("tenant lookup failed")
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
)

var publicPaths = map[string]struct{}{
	"/":              {},
	"/login":         {},
	"/signup":        {},
	"/auth/callback": {},
}

// IsPublicPath reports whether path is served without tenant resolution. Matching is exact.
func IsPublicPath(path string) bool {
	_, ok := publicPaths[path]
	return ok
}

// CandidateDomain strips a leading "www." and any ":port" from host.
func CandidateDomain(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}

// TenantResolverConfig configures TenantResolver.
type TenantResolverConfig struct {
	Lookup        tenants.Lookup
	Verifier      identity.Verifier
	LookupTimeout time.Duration
	SecureCookie  bool
	// AllowAnonymous skips the credential check (visitor-facing routes); the tenant is still resolved.
	AllowAnonymous bool
	Logger         *zap.Logger
}

// TenantResolver maps the request host to a tenant and gates every non-public path behind
// a tenant match and a valid session credential. Any failure redirects to /login.
func TenantResolver(cfg TenantResolverConfig) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 2 * time.Second
	}
	return func(c *gin.Context) {
		if IsPublicPath(c.Request.URL.Path) {
			c.Next()
			return
		}
		domain := CandidateDomain(c.Request.Host)
		tenant, id, err := resolve(c, cfg, domain)
		if err != nil {
			if errors.Is(err, ErrLookupFailed) {
				logger.Error("tenant resolution failed",
					zap.String("domain", domain), zap.String("path", c.Request.URL.Path), zap.Error(err))
			} else {
				logger.Debug("tenant resolution rejected",
					zap.String("domain", domain), zap.String("path", c.Request.URL.Path), zap.Error(err))
			}
			c.Redirect(http.StatusTemporaryRedirect, loginPath)
			c.Abort()
			return
		}

		http.SetCookie(c.Writer, &http.Cookie{
			Name:     TenantCookie,
			Value:    tenant.ID.String(),
			Path:     "/",
			HttpOnly: true,
			Secure:   cfg.SecureCookie,
			SameSite: http.SameSiteStrictMode,
		})
		c.Set(tenants.ContextTenantID, tenant.ID)
		c.Set(tenants.ContextTenant, tenant)
		if id != nil {
			c.Set(ContextIdentity, id)
		}
		c.Next()
	}
}

func resolve(c *gin.Context, cfg TenantResolverConfig, domain string) (*models.Tenant, *identity.Identity, error) {
	if domain == "" {
		return nil, nil, ErrMissingDomain
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.LookupTimeout)
	defer cancel()
	tenant, err := cfg.Lookup.FindByDomain(ctx, domain)
	switch {
	case errors.Is(err, tenants.ErrTenantNotFound):
		return nil, nil, ErrTenantNotFound
	case err != nil:
		return nil, nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	case tenant == nil:
		return nil, nil, ErrTenantNotFound
	}

	if cfg.AllowAnonymous {
		return tenant, nil, nil
	}
	token, err := c.Cookie(SessionCookie)
	if err != nil || token == "" {
		return nil, nil, ErrMissingCredential
	}
	id, err := cfg.Verifier.Verify(c.Request.Context(), token)
	if err != nil || id == nil {
		return nil, nil, ErrInvalidCredential
	}
	return tenant, id, nil
}

// IdentityFromContext returns the identity attached by TenantResolver.
func IdentityFromContext(c *gin.Context) (*identity.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(*identity.Identity)
	return id, ok && id != nil
}
