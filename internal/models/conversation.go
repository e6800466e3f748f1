package models

import (
	"time"

	"github.com/google/uuid"
)

// Channel is the medium a conversation runs over.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWebChat  Channel = "webchat"
)

// ConversationStatus is the workflow state of a conversation.
type ConversationStatus string

const (
	ConversationOpen    ConversationStatus = "open"
	ConversationPending ConversationStatus = "pending"
	ConversationClosed  ConversationStatus = "closed"
)

// Conversation is a thread between a tenant and one contact.
// It is also the payload of the conversation-updated realtime event.
type Conversation struct {
	ID            uuid.UUID          `json:"id" validate:"required"`
	TenantID      uuid.UUID          `json:"tenant_id" validate:"required"`
	Channel       Channel            `json:"channel" validate:"oneof=whatsapp webchat"`
	ContactName   string             `json:"contact_name"`
	ContactHandle string             `json:"contact_handle"` // phone number for whatsapp, visitor id for webchat
	Status        ConversationStatus `json:"status" validate:"oneof=open pending closed"`
	AssigneeID    *uuid.UUID         `json:"assignee_id,omitempty"`
	LastMessageAt *time.Time         `json:"last_message_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ValidStatus reports whether s is a known conversation status.
func ValidStatus(s ConversationStatus) bool {
	switch s {
	case ConversationOpen, ConversationPending, ConversationClosed:
		return true
	}
	return false
}
