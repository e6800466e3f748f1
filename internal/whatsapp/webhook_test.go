package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/convo-crm/backend/internal/conversations"
	"github.com/convo-crm/backend/internal/models"
	"github.com/convo-crm/backend/internal/tenants"
	"github.com/convo-crm/backend/pkg/queue"
)

type mockTenants struct{ mock.Mock }

func (m *mockTenants) GetByWhatsAppPhoneNumberID(ctx context.Context, id string) (*models.Tenant, error) {
	args := m.Called(ctx, id)
	t, _ := args.Get(0).(*models.Tenant)
	return t, args.Error(1)
}

type mockConversations struct{ mock.Mock }

func (m *mockConversations) FindOrCreate(ctx context.Context, tenantID uuid.UUID, channel models.Channel, handle, name string) (*models.Conversation, error) {
	args := m.Called(ctx, tenantID, channel, handle, name)
	c, _ := args.Get(0).(*models.Conversation)
	return c, args.Error(1)
}

func (m *mockConversations) CreateMessage(ctx context.Context, msg *models.Message) error {
	err := m.Called(ctx, msg).Error(0)
	if err == nil {
		msg.ID = uuid.New()
	}
	return err
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) EmitMessageUpdate(tenantID, conversationID uuid.UUID, msg *models.Message) {
	m.Called(tenantID, conversationID, msg)
}

type mockMedia struct{ mock.Mock }

func (m *mockMedia) EnqueueMediaMirror(ctx context.Context, p queue.MediaMirrorPayload) error {
	return m.Called(ctx, p).Error(0)
}

func init() { gin.SetMode(gin.TestMode) }

const textPayload = `{"object":"whatsapp_business_account","entry":[{"id":"waba","changes":[{"field":"messages","value":{
	"messaging_product":"whatsapp",
	"metadata":{"display_phone_number":"15550000","phone_number_id":"1001"},
	"contacts":[{"profile":{"name":"Ana"},"wa_id":"15550100"}],
	"messages":[{"from":"15550100","id":"wamid.1","timestamp":"1700000000","type":"text","text":{"body":"hola"}}]}}]}]}`

const imagePayload = `{"object":"whatsapp_business_account","entry":[{"id":"waba","changes":[{"field":"messages","value":{
	"metadata":{"phone_number_id":"1001"},
	"messages":[{"from":"15550100","id":"wamid.2","type":"image","image":{"id":"media-9","mime_type":"image/jpeg","caption":"receipt"}}]}}]}]}`

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookFixture struct {
	tenants       *mockTenants
	conversations *mockConversations
	notifier      *mockNotifier
	media         *mockMedia
	router        *gin.Engine
	tenant        *models.Tenant
	conv          *models.Conversation
}

func newWebhookFixture(secret string) webhookFixture {
	f := webhookFixture{
		tenants:       new(mockTenants),
		conversations: new(mockConversations),
		notifier:      new(mockNotifier),
		media:         new(mockMedia),
		tenant:        &models.Tenant{ID: uuid.New(), Subdomain: "acme", WhatsAppPhoneNumberID: lo.ToPtr("1001")},
	}
	f.conv = &models.Conversation{ID: uuid.New(), TenantID: f.tenant.ID, Channel: models.ChannelWhatsApp, Status: models.ConversationOpen}
	h := NewWebhookHandler(WebhookConfig{
		Tenants:       f.tenants,
		Conversations: f.conversations,
		Notifier:      f.notifier,
		Media:         f.media,
		VerifyToken:   "verify-me",
		AppSecret:     secret,
	})
	f.router = gin.New()
	f.router.GET("/webhooks/whatsapp", h.Verify)
	f.router.POST("/webhooks/whatsapp", h.Receive)
	return f
}

func (f webhookFixture) post(body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler_Verify(t *testing.T) {
	f := newWebhookFixture("")

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42", w.Body.String())

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookHandler_Receive(t *testing.T) {
	t.Run("should store and emit a text message", func(t *testing.T) {
		req := require.New(t)
		f := newWebhookFixture("s3cret")
		f.tenants.On("GetByWhatsAppPhoneNumberID", mock.Anything, "1001").Return(f.tenant, nil)
		f.conversations.On("FindOrCreate", mock.Anything, f.tenant.ID, models.ChannelWhatsApp, "15550100", "Ana").Return(f.conv, nil)
		f.conversations.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m *models.Message) bool {
			return m.Body == "hola" && m.Sender == "Ana" && *m.ExternalID == "wamid.1" && m.Direction == models.DirectionInbound
		})).Return(nil)
		f.notifier.On("EmitMessageUpdate", f.tenant.ID, f.conv.ID, mock.Anything).Return()

		w := f.post(textPayload, sign("s3cret", textPayload))

		req.Equal(http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"stored":1`)
		f.notifier.AssertExpectations(t)
		f.media.AssertNotCalled(t, "EnqueueMediaMirror", mock.Anything, mock.Anything)
	})

	t.Run("should queue a mirror for media messages", func(t *testing.T) {
		f := newWebhookFixture("")
		f.tenants.On("GetByWhatsAppPhoneNumberID", mock.Anything, "1001").Return(f.tenant, nil)
		f.conversations.On("FindOrCreate", mock.Anything, f.tenant.ID, models.ChannelWhatsApp, "15550100", "").Return(f.conv, nil)
		f.conversations.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m *models.Message) bool {
			return m.Body == "receipt" && m.MediaType != nil && *m.MediaType == "image/jpeg"
		})).Return(nil)
		f.notifier.On("EmitMessageUpdate", f.tenant.ID, f.conv.ID, mock.Anything).Return()
		f.media.On("EnqueueMediaMirror", mock.Anything, mock.MatchedBy(func(p queue.MediaMirrorPayload) bool {
			return p.MediaID == "media-9" && p.TenantID == f.tenant.ID && p.MimeType == "image/jpeg"
		})).Return(nil)

		w := f.post(imagePayload, "")

		assert.Equal(t, http.StatusOK, w.Code)
		f.media.AssertExpectations(t)
	})

	t.Run("should reject a bad signature", func(t *testing.T) {
		f := newWebhookFixture("s3cret")

		w := f.post(textPayload, sign("other", textPayload))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		f.tenants.AssertNotCalled(t, "GetByWhatsAppPhoneNumberID", mock.Anything, mock.Anything)
	})

	t.Run("should acknowledge an unknown business number", func(t *testing.T) {
		f := newWebhookFixture("")
		f.tenants.On("GetByWhatsAppPhoneNumberID", mock.Anything, "1001").Return(nil, tenants.ErrTenantNotFound)

		w := f.post(textPayload, "")

		assert.Equal(t, http.StatusOK, w.Code)
		f.notifier.AssertNotCalled(t, "EmitMessageUpdate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should not emit duplicate deliveries", func(t *testing.T) {
		f := newWebhookFixture("")
		f.tenants.On("GetByWhatsAppPhoneNumberID", mock.Anything, "1001").Return(f.tenant, nil)
		f.conversations.On("FindOrCreate", mock.Anything, f.tenant.ID, models.ChannelWhatsApp, "15550100", "Ana").Return(f.conv, nil)
		f.conversations.On("CreateMessage", mock.Anything, mock.Anything).Return(conversations.ErrDuplicateMessage)

		w := f.post(textPayload, "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"stored":0`)
		f.notifier.AssertNotCalled(t, "EmitMessageUpdate", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestCheckSignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.NoError(t, CheckSignature("k", body, sign("k", string(body))))
	assert.ErrorIs(t, CheckSignature("k", body, "sha256=zz"), ErrBadSignature)
	assert.ErrorIs(t, CheckSignature("k", body, ""), ErrBadSignature)
	assert.ErrorIs(t, CheckSignature("k", []byte(`{"a":2}`), sign("k", string(body))), ErrBadSignature)
}
