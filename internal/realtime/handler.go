package realtime

import (
	"github.com/gin-gonic/gin"

	"github.com/convo-crm/backend/internal/tenants"
	"github.com/convo-crm/backend/pkg/response"
)

// Stats handles GET /api/realtime/stats for the resolved tenant.
func Stats(relay *Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := tenants.IDFromContext(c)
		response.OK(c, gin.H{
			"tenant_room": TenantRoom(tenantID),
			"connections": relay.RoomSize(TenantRoom(tenantID)),
		})
	}
}
