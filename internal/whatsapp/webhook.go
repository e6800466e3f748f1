package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/convo-crm/backend/internal/conversations"
	"github.com/convo-crm/backend/internal/models"
	"github.com/convo-crm/backend/internal/tenants"
	"github.com/convo-crm/backend/pkg/queue"
	"github.com/convo-crm/backend/pkg/response"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	maxWebhookBody  = 1 << 20
)

// ErrBadSignature is returned when the webhook signature does not match the app secret.
var ErrBadSignature = errors.New("invalid webhook signature")

// Payload is the webhook body sent by the WhatsApp Cloud API.
type Payload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value ChangeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ChangeValue carries the messages of one business number.
type ChangeValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []Contact        `json:"contacts"`
	Messages []InboundMessage `json:"messages"`
}

// Contact is the sender profile attached to inbound messages.
type Contact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

// Media is the media part of an inbound message.
type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

// InboundMessage is one message a contact sent to the business.
type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *Media `json:"image,omitempty"`
	Audio    *Media `json:"audio,omitempty"`
	Video    *Media `json:"video,omitempty"`
	Document *Media `json:"document,omitempty"`
	Sticker  *Media `json:"sticker,omitempty"`
}

// media returns the media part matching the message type, if any.
func (m InboundMessage) media() *Media {
	switch m.Type {
	case "image":
		return m.Image
	case "audio":
		return m.Audio
	case "video":
		return m.Video
	case "document":
		return m.Document
	case "sticker":
		return m.Sticker
	}
	return nil
}

// body is the text shown in the conversation for m.
func (m InboundMessage) body() string {
	if m.Type == "text" && m.Text != nil {
		return m.Text.Body
	}
	if md := m.media(); md != nil {
		if md.Caption != "" {
			return md.Caption
		}
		if md.Filename != "" {
			return md.Filename
		}
	}
	return "[" + m.Type + "]"
}

// TenantFinder resolves the tenant that owns a business phone number.
type TenantFinder interface {
	GetByWhatsAppPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Tenant, error)
}

// ConversationStore persists inbound traffic.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, tenantID uuid.UUID, channel models.Channel, handle, name string) (*models.Conversation, error)
	CreateMessage(ctx context.Context, m *models.Message) error
}

// Notifier receives persisted messages. *realtime.Relay implements it.
type Notifier interface {
	EmitMessageUpdate(tenantID, conversationID uuid.UUID, msg *models.Message)
}

// MediaQueue schedules media mirroring. *queue.Queue implements it.
type MediaQueue interface {
	EnqueueMediaMirror(ctx context.Context, payload queue.MediaMirrorPayload) error
}

// WebhookHandler handles WhatsApp Cloud API webhooks.
type WebhookHandler struct {
	tenants       TenantFinder
	conversations ConversationStore
	notifier      Notifier
	media         MediaQueue
	verifyToken   string
	appSecret     string
	logger        *zap.Logger
}

// WebhookConfig configures NewWebhookHandler.
type WebhookConfig struct {
	Tenants       TenantFinder
	Conversations ConversationStore
	Notifier      Notifier
	Media         MediaQueue // optional
	VerifyToken   string
	AppSecret     string // empty disables signature checks
	Logger        *zap.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{
		tenants:       cfg.Tenants,
		conversations: cfg.Conversations,
		notifier:      cfg.Notifier,
		media:         cfg.Media,
		verifyToken:   cfg.VerifyToken,
		appSecret:     cfg.AppSecret,
		logger:        logger,
	}
}

// Verify handles GET /webhooks/whatsapp, the subscription handshake.
func (h *WebhookHandler) Verify(c *gin.Context) {
	if h.verifyToken == "" || c.Query("hub.mode") != "subscribe" ||
		!hmac.Equal([]byte(c.Query("hub.verify_token")), []byte(h.verifyToken)) {
		response.Forbidden(c, "verification failed")
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

// CheckSignature validates an X-Hub-Signature-256 header ("sha256=<hex>") against body.
func CheckSignature(secret string, body []byte, header string) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Receive handles POST /webhooks/whatsapp. Once the signature checks out the provider always
// gets a 200, business-level misses are only logged.
func (h *WebhookHandler) Receive(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	if h.appSecret != "" {
		if err := CheckSignature(h.appSecret, raw, c.GetHeader(signatureHeader)); err != nil {
			h.logger.Warn("rejected whatsapp webhook", zap.Error(err))
			response.Unauthorized(c, "invalid signature")
			return
		}
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.logger.Warn("malformed whatsapp webhook", zap.Error(err))
		response.OK(c, nil)
		return
	}
	stored := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" || len(change.Value.Messages) == 0 {
				continue
			}
			stored += h.handleChange(c.Request.Context(), change.Value)
		}
	}
	response.OK(c, gin.H{"stored": stored})
}

func (h *WebhookHandler) handleChange(ctx context.Context, v ChangeValue) int {
	phoneNumberID := v.Metadata.PhoneNumberID
	tenant, err := h.tenants.GetByWhatsAppPhoneNumberID(ctx, phoneNumberID)
	if errors.Is(err, tenants.ErrTenantNotFound) {
		h.logger.Info("whatsapp message for unknown number", zap.String("phone_number_id", phoneNumberID))
		return 0
	}
	if err != nil {
		h.logger.Error("resolve whatsapp tenant", zap.String("phone_number_id", phoneNumberID), zap.Error(err))
		return 0
	}
	names := lo.SliceToMap(v.Contacts, func(ct Contact) (string, string) {
		return ct.WaID, ct.Profile.Name
	})

	stored := 0
	for _, in := range v.Messages {
		if h.handleMessage(ctx, tenant, in, names[in.From]) {
			stored++
		}
	}
	return stored
}

func (h *WebhookHandler) handleMessage(ctx context.Context, tenant *models.Tenant, in InboundMessage, name string) bool {
	log := h.logger.With(zap.String("tenant_id", tenant.ID.String()), zap.String("wamid", in.ID))
	if in.From == "" || in.ID == "" {
		log.Warn("skipping whatsapp message without sender or id")
		return false
	}
	conv, err := h.conversations.FindOrCreate(ctx, tenant.ID, models.ChannelWhatsApp, in.From, name)
	if err != nil {
		log.Error("find or create conversation", zap.Error(err))
		return false
	}
	msg := &models.Message{
		TenantID:       tenant.ID,
		ConversationID: conv.ID,
		Direction:      models.DirectionInbound,
		Sender:         lo.Ternary(name != "", name, in.From),
		Body:           in.body(),
		ExternalID:     lo.ToPtr(in.ID),
	}
	md := in.media()
	if md != nil && md.MimeType != "" {
		msg.MediaType = lo.ToPtr(md.MimeType)
	}
	if err := h.conversations.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, conversations.ErrDuplicateMessage) {
			log.Debug("duplicate whatsapp delivery")
			return false
		}
		log.Error("store whatsapp message", zap.Error(err))
		return false
	}
	h.notifier.EmitMessageUpdate(tenant.ID, conv.ID, msg)

	if md != nil && md.ID != "" && h.media != nil {
		err := h.media.EnqueueMediaMirror(ctx, queue.MediaMirrorPayload{
			MessageID:      msg.ID,
			TenantID:       tenant.ID,
			ConversationID: conv.ID,
			MediaID:        md.ID,
			MimeType:       md.MimeType,
		})
		if err != nil {
			log.Error("enqueue media mirror", zap.Error(err))
		}
	}
	return true
}
