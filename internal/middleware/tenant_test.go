package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/convo-crm/backend/internal/identity"
	"github.com/convo-crm/backend/internal/models"
	"github.com/convo-crm/backend/internal/tenants"
)

type mockLookup struct{ mock.Mock }

func (m *mockLookup) FindByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	args := m.Called(ctx, domain)
	t, _ := args.Get(0).(*models.Tenant)
	return t, args.Error(1)
}

type mockVerifier struct{ mock.Mock }

func (m *mockVerifier) Verify(ctx context.Context, token string) (*identity.Identity, error) {
	args := m.Called(ctx, token)
	id, _ := args.Get(0).(*identity.Identity)
	return id, args.Error(1)
}

func init() { gin.SetMode(gin.TestMode) }

type resolverFixture struct {
	lookup   *mockLookup
	verifier *mockVerifier
	router   *gin.Engine
	reached  *bool
}

func newResolverFixture(timeout time.Duration) resolverFixture {
	f := resolverFixture{lookup: new(mockLookup), verifier: new(mockVerifier), reached: new(bool)}
	f.router = gin.New()
	f.router.Use(TenantResolver(TenantResolverConfig{
		Lookup:        f.lookup,
		Verifier:      f.verifier,
		LookupTimeout: timeout,
		SecureCookie:  true,
	}))
	handler := func(c *gin.Context) {
		*f.reached = true
		c.String(http.StatusOK, "%s", tenants.IDFromContext(c))
	}
	f.router.GET("/", handler)
	f.router.GET("/login", handler)
	f.router.GET("/login/help", handler)
	f.router.GET("/dashboard", handler)
	return f
}

func (f resolverFixture) do(host, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Host = host
	if token != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func tenantCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == TenantCookie {
			return c
		}
	}
	return nil
}

func assertLoginRedirect(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
	assert.Nil(t, tenantCookie(w))
}

func TestCandidateDomain(t *testing.T) {
	cases := map[string]string{
		"www.acme.example.com:3000": "acme.example.com",
		"acme.example.com":          "acme.example.com",
		"crm.acme.io:443":           "crm.acme.io",
		"www.acme.io":               "acme.io",
		"":                          "",
		"www.":                      "",
	}
	for host, want := range cases {
		assert.Equal(t, want, CandidateDomain(host), host)
	}
}

func TestTenantResolver(t *testing.T) {
	tenant := &models.Tenant{ID: uuid.New(), Name: "Acme", Subdomain: "acme.example.com"}
	user := &identity.Identity{UserID: uuid.New(), Email: "agent@acme.test"}

	t.Run("should pass public paths through without a lookup", func(t *testing.T) {
		f := newResolverFixture(time.Second)
		for _, path := range []string{"/", "/login"} {
			w := f.do("unknown.example.com", path, "")
			assert.Equal(t, http.StatusOK, w.Code, path)
			assert.Nil(t, tenantCookie(w))
		}
		assert.True(t, *f.reached)
		f.lookup.AssertNotCalled(t, "FindByDomain", mock.Anything, mock.Anything)
		f.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
	})

	t.Run("should treat nested public paths as protected", func(t *testing.T) {
		f := newResolverFixture(time.Second)
		f.lookup.On("FindByDomain", mock.Anything, "nobody.example.com").Return(nil, tenants.ErrTenantNotFound)

		assertLoginRedirect(t, f.do("nobody.example.com", "/login/help", ""))
	})

	t.Run("should strip www and port before the lookup", func(t *testing.T) {
		req := require.New(t)
		f := newResolverFixture(time.Second)
		f.lookup.On("FindByDomain", mock.Anything, "acme.example.com").Return(tenant, nil).Once()
		f.verifier.On("Verify", mock.Anything, "tok").Return(user, nil)

		w := f.do("www.acme.example.com:3000", "/dashboard", "tok")

		req.Equal(http.StatusOK, w.Code)
		req.Equal(tenant.ID.String(), w.Body.String())
		f.lookup.AssertExpectations(t)
	})

	t.Run("should set a strict http-only tenant cookie on success", func(t *testing.T) {
		req := require.New(t)
		f := newResolverFixture(time.Second)
		f.lookup.On("FindByDomain", mock.Anything, "acme.example.com").Return(tenant, nil)
		f.verifier.On("Verify", mock.Anything, "tok").Return(user, nil)

		cookie := tenantCookie(f.do("acme.example.com", "/dashboard", "tok"))

		req.NotNil(cookie)
		assert.Equal(t, tenant.ID.String(), cookie.Value)
		assert.True(t, cookie.HttpOnly)
		assert.True(t, cookie.Secure)
		assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
		assert.Equal(t, "/", cookie.Path)
	})

	t.Run("should redirect an unknown domain without setting a cookie", func(t *testing.T) {
		f := newResolverFixture(time.Second)
		f.lookup.On("FindByDomain", mock.Anything, "nobody.example.com").Return(nil, tenants.ErrTenantNotFound)

		assertLoginRedirect(t, f.do("nobody.example.com", "/dashboard", "tok"))
		assert.False(t, *f.reached)
		f.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
	})

	t.Run("should redirect when the session cookie is missing", func(t *testing.T) {
		f := newResolverFixture(time.Second)
		f.lookup.On("FindByDomain", mock.Anything, "acme.example.com").Return(tenant, nil)

		assertLoginRedirect(t, f.do("acme.example.com", "/dashboard", ""))
		assert.False(t, *f.reached)
	})

	t.Run("should redirect when the credential is rejected", func(t *testing.T) {
		f := newResolverFixture(time.Second)
		f.lookup.On("FindByDomain", mock.Anything, "acme.example.com").Return(tenant, nil)
		f.verifier.On("Verify", mock.Anything, "forged").Return(nil, identity.ErrInvalidToken)

		assertLoginRedirect(t, f.do("acme.example.com", "/dashboard", "forged"))
	})

	t.Run("should redirect when the lookup fails", func(t *testing.T) {
		f := newResolverFixture(time.Second)
		f.lookup.On("FindByDomain", mock.Anything, "acme.example.com").Return(nil, errors.New("connection reset"))

		assertLoginRedirect(t, f.do("acme.example.com", "/dashboard", "tok"))
	})

	t.Run("should redirect when the lookup times out", func(t *testing.T) {
		f := newResolverFixture(20 * time.Millisecond)
		f.lookup.On("FindByDomain", mock.Anything, "slow.example.com").
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.DeadlineExceeded)

		start := time.Now()
		assertLoginRedirect(t, f.do("slow.example.com", "/dashboard", "tok"))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("should redirect when the host is empty", func(t *testing.T) {
		f := newResolverFixture(time.Second)

		assertLoginRedirect(t, f.do("", "/dashboard", "tok"))
		f.lookup.AssertNotCalled(t, "FindByDomain", mock.Anything, mock.Anything)
	})

	t.Run("should resolve without a credential in anonymous mode", func(t *testing.T) {
		lookup := new(mockLookup)
		lookup.On("FindByDomain", mock.Anything, "acme.example.com").Return(tenant, nil)
		r := gin.New()
		r.Use(TenantResolver(TenantResolverConfig{Lookup: lookup, AllowAnonymous: true, LookupTimeout: time.Second}))
		r.POST("/api/webchat/conversations", func(c *gin.Context) {
			_, hasIdentity := IdentityFromContext(c)
			assert.False(t, hasIdentity)
			c.String(http.StatusOK, "%s", tenants.IDFromContext(c))
		})

		req := httptest.NewRequest(http.MethodPost, "/api/webchat/conversations", nil)
		req.Host = "acme.example.com"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, tenant.ID.String(), w.Body.String())
	})
}

func TestTenantResolver_NoRoute(t *testing.T) {
	tenant := &models.Tenant{ID: uuid.New(), Name: "Acme", Subdomain: "acme"}
	lookup, verifier := new(mockLookup), new(mockVerifier)
	lookup.On("FindByDomain", mock.Anything, "acme.example.com").Return(tenant, nil)
	verifier.On("Verify", mock.Anything, "good").Return(&identity.Identity{UserID: uuid.New()}, nil)

	resolver := TenantResolver(TenantResolverConfig{Lookup: lookup, Verifier: verifier, LookupTimeout: time.Second})
	router := gin.New()
	router.NoRoute(resolver, func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.Group("", resolver).GET("/api/tenant", func(c *gin.Context) { c.Status(http.StatusOK) })
	do := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Host = "acme.example.com"
		if token != "" {
			req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("should redirect an unrouted protected path without a session", func(t *testing.T) {
		assertLoginRedirect(t, do("/dashboard", ""))
	})

	t.Run("should answer 404 for an unrouted path with a session", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, do("/dashboard", "good").Code)
	})

	t.Run("should answer 404 for an unrouted public path", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, do("/signup", "").Code)
	})
}
