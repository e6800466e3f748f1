package models

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a message came from the contact or from the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one chat message. It is also the payload of the new-message realtime event.
type Message struct {
	ID             uuid.UUID `json:"id" validate:"required"`
	TenantID       uuid.UUID `json:"tenant_id" validate:"required"`
	ConversationID uuid.UUID `json:"conversation_id" validate:"required"`
	Direction      Direction `json:"direction" validate:"oneof=inbound outbound"`
	Sender         string    `json:"sender"`
	Body           string    `json:"body"`
	MediaURL       *string   `json:"media_url,omitempty"`
	MediaType      *string   `json:"media_type,omitempty"`
	ExternalID     *string   `json:"external_id,omitempty"` // provider message id (e.g. WhatsApp wamid)
	CreatedAt      time.Time `json:"created_at"`
}
