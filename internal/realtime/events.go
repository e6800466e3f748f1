package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/convo-crm/backend/internal/models"
)

// Inbound events.
const (
	EventJoinTenant       = "join-tenant"
	EventJoinConversation = "join-conversation"
)

// Outbound events.
const (
	EventMessageReceived     = "message-received"
	EventNewMessage          = "new-message"
	EventConversationUpdated = "conversation-updated"
)

var validate = validator.New()

var (
	// ErrInvalidID is returned for a join whose data is not a non-nil uuid.
	ErrInvalidID = errors.New("invalid room id")
	// ErrForeignTenant is returned when a connection asks for another tenant's room.
	ErrForeignTenant = errors.New("tenant does not match connection")
	// ErrJoinDenied is returned when the join policy rejects a conversation join.
	ErrJoinDenied = errors.New("join denied")
	// ErrUnknownEvent is returned for inbound events the relay does not handle.
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is the frame exchanged with clients: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageReceived is the tenant-room payload of a message update.
type MessageReceived struct {
	ConversationID uuid.UUID       `json:"conversationId" validate:"required"`
	Message        *models.Message `json:"message" validate:"required"`
}

// TenantRoom is the room every agent of a tenant joins.
func TenantRoom(tenantID uuid.UUID) string {
	return "tenant-" + tenantID.String()
}

// ConversationRoom is the room of an open conversation view.
func ConversationRoom(conversationID uuid.UUID) string {
	return "conversation-" + conversationID.String()
}

func newEnvelope(event string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// roomID decodes the data of a join frame. Clients send the id as a JSON string.
func roomID(data json.RawMessage) (uuid.UUID, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return uuid.Nil, ErrInvalidID
	}
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidID
	}
	return id, nil
}
