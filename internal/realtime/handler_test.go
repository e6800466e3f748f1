package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	req := require.New(t)
	gin.SetMode(gin.TestMode)
	tenantID := uuid.New()
	relay := NewRelay(Options{})
	req.NoError(relay.JoinTenant(relay.Connect(tenantID), tenantID))
	req.NoError(relay.JoinTenant(relay.Connect(tenantID), tenantID))
	other := uuid.New()
	req.NoError(relay.JoinTenant(relay.Connect(other), other))

	r := gin.New()
	r.GET("/api/realtime/stats", withTenant(tenantID), Stats(relay))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/realtime/stats", nil))

	req.Equal(http.StatusOK, w.Code)
	var body struct {
		Data struct {
			TenantRoom  string `json:"tenant_room"`
			Connections int    `json:"connections"`
		} `json:"data"`
	}
	req.NoError(json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, TenantRoom(tenantID), body.Data.TenantRoom)
	assert.Equal(t, 2, body.Data.Connections)
}
