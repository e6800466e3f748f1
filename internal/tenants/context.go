package tenants

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/convo-crm/backend/internal/models"
)

const (
	// ContextTenantID is the key for the resolved tenant ID in gin context.
	ContextTenantID = "tenant_id"
	// ContextTenant is the key for the resolved *models.Tenant in gin context.
	ContextTenant = "tenant"
)

// FromContext returns the tenant attached by the resolver, if any.
func FromContext(c *gin.Context) (*models.Tenant, bool) {
	v, ok := c.Get(ContextTenant)
	if !ok {
		return nil, false
	}
	t, ok := v.(*models.Tenant)
	return t, ok && t != nil
}

// IDFromContext returns the resolved tenant ID, or uuid.Nil.
func IDFromContext(c *gin.Context) uuid.UUID {
	if v, ok := c.Get(ContextTenantID); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}
