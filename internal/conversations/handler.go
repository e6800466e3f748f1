package conversations

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/convo-crm/backend/internal/middleware"
	"github.com/convo-crm/backend/internal/models"
	"github.com/convo-crm/backend/internal/tenants"
	"github.com/convo-crm/backend/pkg/queue"
	"github.com/convo-crm/backend/pkg/response"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxBodyLength   = 4096
)

// Store is the persistence the handler needs. *Repository implements it.
type Store interface {
	List(ctx context.Context, tenantID uuid.UUID, status models.ConversationStatus, limit int) ([]models.Conversation, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (*models.Conversation, error)
	FindOrCreate(ctx context.Context, tenantID uuid.UUID, channel models.Channel, handle, name string) (*models.Conversation, error)
	Update(ctx context.Context, tenantID, id uuid.UUID, status *models.ConversationStatus, assignee *uuid.UUID, clearAssignee bool) (*models.Conversation, error)
	Messages(ctx context.Context, tenantID, conversationID uuid.UUID, limit int) ([]models.Message, error)
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error)
}

// MediaSigner turns a stored media URL into a short-lived download link. *storage.S3 implements it.
type MediaSigner interface {
	KeyFromURL(url string) (string, bool)
	PresignMedia(ctx context.Context, key string) (string, error)
}

// Notifier receives side effects after they are persisted. *realtime.Relay implements it.
type Notifier interface {
	EmitMessageUpdate(tenantID, conversationID uuid.UUID, msg *models.Message)
	EmitConversationUpdate(tenantID uuid.UUID, conv *models.Conversation)
}

// Sender queues outbound WhatsApp messages. *queue.Queue implements it.
type Sender interface {
	EnqueueWhatsAppSend(ctx context.Context, payload queue.WhatsAppSendPayload) error
}

// Handler handles conversation HTTP endpoints.
type Handler struct {
	store    Store
	notifier Notifier
	sender   Sender
	media    MediaSigner
	logger   *zap.Logger
}

// NewHandler creates a conversations handler. sender may be nil when WhatsApp is not configured.
func NewHandler(store Store, notifier Notifier, sender Sender, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, notifier: notifier, sender: sender, logger: logger}
}

// WithMedia enables the media download endpoint.
func (h *Handler) WithMedia(signer MediaSigner) *Handler {
	h.media = signer
	return h
}

// ConversationSummary is a list row.
type ConversationSummary struct {
	ID            uuid.UUID                 `json:"id"`
	Channel       models.Channel            `json:"channel"`
	ContactName   string                    `json:"contact_name"`
	Status        models.ConversationStatus `json:"status"`
	AssigneeID    *uuid.UUID                `json:"assignee_id,omitempty"`
	LastMessageAt *time.Time                `json:"last_message_at,omitempty"`
}

// ReplyRequest is the body for POST /api/conversations/:id/messages.
type ReplyRequest struct {
	Body string `json:"body" binding:"required"`
}

// UpdateRequest is the body for PATCH /api/conversations/:id. An empty assignee_id unassigns.
type UpdateRequest struct {
	Status     *models.ConversationStatus `json:"status"`
	AssigneeID *string                    `json:"assignee_id"`
}

// StartWebChatRequest is the body for POST /api/webchat/conversations.
type StartWebChatRequest struct {
	VisitorID string `json:"visitor_id" binding:"required"`
	Name      string `json:"name"`
}

// WebChatMessageRequest is the body for POST /api/webchat/conversations/:id/messages.
type WebChatMessageRequest struct {
	Body string `json:"body" binding:"required"`
}

func pageSize(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return defaultPageSize
	}
	return lo.Clamp(n, 1, maxPageSize)
}

func (h *Handler) conversation(c *gin.Context) (*models.Conversation, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid conversation id")
		return nil, false
	}
	conv, err := h.store.Get(c.Request.Context(), tenants.IDFromContext(c), id)
	if errors.Is(err, ErrConversationNotFound) {
		response.NotFound(c, "conversation not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get conversation", zap.String("conversation_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load conversation")
		return nil, false
	}
	return conv, true
}

// List handles GET /api/conversations.
func (h *Handler) List(c *gin.Context) {
	status := models.ConversationStatus(c.Query("status"))
	if status != "" && !models.ValidStatus(status) {
		response.BadRequest(c, "invalid status")
		return
	}
	tenantID := tenants.IDFromContext(c)
	limit := pageSize(c)
	rows, err := h.store.List(c.Request.Context(), tenantID, status, limit)
	if err != nil {
		h.logger.Error("list conversations", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		response.Internal(c, "failed to list conversations")
		return
	}
	summaries := lo.Map(rows, func(conv models.Conversation, _ int) ConversationSummary {
		return ConversationSummary{
			ID:            conv.ID,
			Channel:       conv.Channel,
			ContactName:   lo.Ternary(conv.ContactName != "", conv.ContactName, conv.ContactHandle),
			Status:        conv.Status,
			AssigneeID:    conv.AssigneeID,
			LastMessageAt: conv.LastMessageAt,
		}
	})
	response.Page(c, summaries, len(summaries), limit)
}

// Messages handles GET /api/conversations/:id/messages.
func (h *Handler) Messages(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	msgs, err := h.store.Messages(c.Request.Context(), conv.TenantID, conv.ID, pageSize(c))
	if err != nil {
		h.logger.Error("list messages", zap.String("conversation_id", conv.ID.String()), zap.Error(err))
		response.Internal(c, "failed to list messages")
		return
	}
	response.OK(c, lo.Ternary(msgs == nil, []models.Message{}, msgs))
}

// Reply handles POST /api/conversations/:id/messages. Persists an agent message, notifies the
// relay and queues delivery to WhatsApp.
func (h *Handler) Reply(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	var body ReplyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "body required")
		return
	}
	text := strings.TrimSpace(body.Body)
	if text == "" || len(text) > maxBodyLength {
		response.BadRequest(c, "body must be 1-4096 characters")
		return
	}
	sender := "agent"
	if id, ok := middleware.IdentityFromContext(c); ok && id.Email != "" {
		sender = id.Email
	}
	msg := &models.Message{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Direction:      models.DirectionOutbound,
		Sender:         sender,
		Body:           text,
	}
	if err := h.store.CreateMessage(c.Request.Context(), msg); err != nil {
		h.logger.Error("create reply", zap.String("conversation_id", conv.ID.String()), zap.Error(err))
		response.Internal(c, "failed to save message")
		return
	}
	h.notifier.EmitMessageUpdate(conv.TenantID, conv.ID, msg)

	if conv.Channel == models.ChannelWhatsApp && h.sender != nil {
		tenant, _ := tenants.FromContext(c)
		payload := queue.WhatsAppSendPayload{
			MessageID:      msg.ID,
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			To:             conv.ContactHandle,
			Body:           text,
		}
		if tenant != nil {
			payload.PhoneNumberID = lo.FromPtr(tenant.WhatsAppPhoneNumberID)
		}
		if err := h.sender.EnqueueWhatsAppSend(c.Request.Context(), payload); err != nil {
			h.logger.Error("enqueue whatsapp send", zap.String("message_id", msg.ID.String()), zap.Error(err))
		}
	}
	response.Created(c, msg)
}

// Update handles PATCH /api/conversations/:id.
func (h *Handler) Update(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	var body UpdateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid body")
		return
	}
	if body.Status == nil && body.AssigneeID == nil {
		response.BadRequest(c, "status or assignee_id required")
		return
	}
	if body.Status != nil && !models.ValidStatus(*body.Status) {
		response.BadRequest(c, "invalid status")
		return
	}
	var assignee *uuid.UUID
	unassign := false
	if body.AssigneeID != nil {
		if *body.AssigneeID == "" {
			unassign = true
		} else {
			id, err := uuid.Parse(*body.AssigneeID)
			if err != nil {
				response.BadRequest(c, "invalid assignee_id")
				return
			}
			assignee = &id
		}
	}
	updated, err := h.store.Update(c.Request.Context(), conv.TenantID, conv.ID, body.Status, assignee, unassign)
	if err != nil {
		h.logger.Error("update conversation", zap.String("conversation_id", conv.ID.String()), zap.Error(err))
		response.Internal(c, "failed to update conversation")
		return
	}
	h.notifier.EmitConversationUpdate(updated.TenantID, updated)
	response.OK(c, updated)
}

// StartWebChat handles POST /api/webchat/conversations. Opens (or resumes) a visitor conversation.
func (h *Handler) StartWebChat(c *gin.Context) {
	var body StartWebChatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "visitor_id required")
		return
	}
	visitor := strings.TrimSpace(body.VisitorID)
	if visitor == "" || len(visitor) > 128 {
		response.BadRequest(c, "visitor_id must be 1-128 characters")
		return
	}
	tenantID := tenants.IDFromContext(c)
	conv, err := h.store.FindOrCreate(c.Request.Context(), tenantID, models.ChannelWebChat, visitor, strings.TrimSpace(body.Name))
	if err != nil {
		h.logger.Error("start webchat", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		response.Internal(c, "failed to start conversation")
		return
	}
	h.notifier.EmitConversationUpdate(tenantID, conv)
	response.Created(c, conv)
}

// WebChatMessage handles POST /api/webchat/conversations/:id/messages.
func (h *Handler) WebChatMessage(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	if conv.Channel != models.ChannelWebChat {
		response.NotFound(c, "conversation not found")
		return
	}
	var body WebChatMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "body required")
		return
	}
	text := strings.TrimSpace(body.Body)
	if text == "" || len(text) > maxBodyLength {
		response.BadRequest(c, "body must be 1-4096 characters")
		return
	}
	msg := &models.Message{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Direction:      models.DirectionInbound,
		Sender:         lo.Ternary(conv.ContactName != "", conv.ContactName, conv.ContactHandle),
		Body:           text,
	}
	if err := h.store.CreateMessage(c.Request.Context(), msg); err != nil {
		h.logger.Error("create webchat message", zap.String("conversation_id", conv.ID.String()), zap.Error(err))
		response.Internal(c, "failed to save message")
		return
	}
	h.notifier.EmitMessageUpdate(conv.TenantID, conv.ID, msg)
	response.Created(c, msg)
}

// Media handles GET /api/conversations/:id/messages/:messageId/media. Redirects to a pre-signed
// URL of the mirrored object.
func (h *Handler) Media(c *gin.Context) {
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		response.BadRequest(c, "invalid message id")
		return
	}
	msg, err := h.store.GetMessage(c.Request.Context(), messageID)
	if err != nil || msg.ConversationID != conv.ID || msg.MediaURL == nil {
		response.NotFound(c, "media not found")
		return
	}
	if h.media == nil {
		response.ServiceUnavailable(c, "media storage not configured")
		return
	}
	key, ok := h.media.KeyFromURL(*msg.MediaURL)
	if !ok {
		response.NotFound(c, "media not mirrored yet")
		return
	}
	url, err := h.media.PresignMedia(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("presign media", zap.String("message_id", messageID.String()), zap.Error(err))
		response.Internal(c, "failed to sign media url")
		return
	}
	c.Redirect(http.StatusFound, url)
}
