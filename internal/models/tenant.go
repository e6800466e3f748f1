package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents a business account, addressed by subdomain or custom domain.
type Tenant struct {
	ID                    uuid.UUID `json:"id"`
	Name                  string    `json:"name"`
	Subdomain             string    `json:"subdomain"`
	CustomDomain          *string   `json:"custom_domain,omitempty"`
	WhatsAppPhoneNumberID *string   `json:"whatsapp_phone_number_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}
