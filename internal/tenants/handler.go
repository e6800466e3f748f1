package tenants

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/convo-crm/backend/internal/models"
	"github.com/convo-crm/backend/pkg/response"
)

// Subdomain must be lowercase alphanumeric and hyphens only, 2-64 chars.
var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)

// Store is the persistence the handler needs.
type Store interface {
	Create(ctx context.Context, t *models.Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
}

// Handler handles tenant HTTP endpoints.
type Handler struct {
	store      Store
	rootDomain string
	logger     *zap.Logger
}

// NewHandler creates a tenants handler. rootDomain is the platform domain whose hosts are
// reserved for subdomains.
func NewHandler(store Store, rootDomain string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, rootDomain: rootDomain, logger: logger}
}

// SignupRequest is the body for POST /signup.
type SignupRequest struct {
	Name         string  `json:"name" binding:"required"`
	Subdomain    string  `json:"subdomain" binding:"required"`
	CustomDomain *string `json:"custom_domain"`
}

// Signup handles POST /signup. Creates a tenant.
func (h *Handler) Signup(c *gin.Context) {
	var body SignupRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name and subdomain required")
		return
	}
	body.Subdomain = strings.ToLower(strings.TrimSpace(body.Subdomain))
	if !slugRegex.MatchString(body.Subdomain) {
		response.BadRequest(c, "subdomain must be 2-64 chars, lowercase letters, numbers, hyphens only")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if len(body.Name) < 1 || len(body.Name) > 255 {
		response.BadRequest(c, "name must be 1-255 characters")
		return
	}
	t := &models.Tenant{Name: body.Name, Subdomain: body.Subdomain}
	if body.CustomDomain != nil {
		d := strings.ToLower(strings.TrimSpace(*body.CustomDomain))
		if d != "" {
			if strings.ContainsAny(d, " /:") || !strings.Contains(d, ".") {
				response.BadRequest(c, "custom_domain must be a bare host name")
				return
			}
			if UnderRoot(d, h.rootDomain) {
				response.BadRequest(c, "custom_domain cannot be under "+h.rootDomain+"; use the subdomain instead")
				return
			}
			t.CustomDomain = &d
		}
	}
	if err := h.store.Create(c.Request.Context(), t); err != nil {
		if errors.Is(err, ErrDomainTaken) {
			response.Conflict(c, "A tenant with this subdomain or domain already exists")
			return
		}
		h.logger.Error("create tenant", zap.String("subdomain", t.Subdomain), zap.Error(err))
		response.Internal(c, "failed to create tenant")
		return
	}
	response.Created(c, t)
}

// Current handles GET /api/tenant. Returns the tenant resolved from the request host.
func (h *Handler) Current(c *gin.Context) {
	id := IDFromContext(c)
	if id == uuid.Nil {
		response.NotFound(c, "tenant not resolved")
		return
	}
	// The resolved tenant may come from the domain cache; read the row itself.
	t, err := h.store.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrTenantNotFound) {
		response.NotFound(c, "tenant not found")
		return
	}
	if err != nil {
		h.logger.Error("get tenant", zap.String("tenant_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load tenant")
		return
	}
	response.OK(c, t)
}
