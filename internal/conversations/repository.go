package conversations

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convo-crm/backend/internal/models"
)

var (
	// ErrConversationNotFound is returned when a conversation does not exist for the tenant.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound is returned when a message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateMessage is returned when a provider message id was already stored for the tenant.
	ErrDuplicateMessage = errors.New("duplicate message")
)

// Repository handles conversation and message persistence. Every query is scoped by tenant.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a conversations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const conversationColumns = `id, tenant_id, channel, contact_name, contact_handle, status, assignee_id,
	last_message_at, created_at, updated_at`

const messageColumns = `id, tenant_id, conversation_id, direction, sender, body, media_url, media_type,
	external_id, created_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.TenantID, &c.Channel, &c.ContactName, &c.ContactHandle, &c.Status,
		&c.AssigneeID, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.Direction, &m.Sender, &m.Body,
		&m.MediaURL, &m.MediaType, &m.ExternalID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// List returns the tenant's conversations, most recent activity first. Empty status means any.
func (r *Repository) List(ctx context.Context, tenantID uuid.UUID, status models.ConversationStatus, limit int) ([]models.Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY COALESCE(last_message_at, created_at) DESC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, q, tenantID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Get returns one conversation of the tenant.
func (r *Repository) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE tenant_id = $1 AND id = $2`
	return scanConversation(r.pool.QueryRow(ctx, q, tenantID, id))
}

// ConversationBelongsToTenant reports whether the conversation exists under the tenant.
func (r *Repository) ConversationBelongsToTenant(ctx context.Context, conversationID, tenantID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1 AND tenant_id = $2)`
	var ok bool
	err := r.pool.QueryRow(ctx, q, conversationID, tenantID).Scan(&ok)
	return ok, err
}

// FindOrCreate returns the conversation for a contact on a channel, creating it if needed.
// A closed conversation is reopened.
func (r *Repository) FindOrCreate(ctx context.Context, tenantID uuid.UUID, channel models.Channel, handle, name string) (*models.Conversation, error) {
	q := `INSERT INTO conversations (id, tenant_id, channel, contact_name, contact_handle, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, 'open')
		ON CONFLICT (tenant_id, channel, contact_handle) DO UPDATE SET
			contact_name = COALESCE(NULLIF(EXCLUDED.contact_name, ''), conversations.contact_name),
			status = CASE WHEN conversations.status = 'closed' THEN 'open' ELSE conversations.status END,
			updated_at = NOW()
		RETURNING ` + conversationColumns
	c, err := scanConversation(r.pool.QueryRow(ctx, q, tenantID, channel, name, handle))
	if err != nil {
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	return c, nil
}

// Update sets status and/or assignee. A nil argument leaves the column unchanged; clearAssignee
// unassigns.
func (r *Repository) Update(ctx context.Context, tenantID, id uuid.UUID, status *models.ConversationStatus, assignee *uuid.UUID, clearAssignee bool) (*models.Conversation, error) {
	q := `UPDATE conversations SET
			status = COALESCE($3, status),
			assignee_id = CASE WHEN $5 THEN NULL ELSE COALESCE($4, assignee_id) END,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING ` + conversationColumns
	var s *string
	if status != nil {
		v := string(*status)
		s = &v
	}
	return scanConversation(r.pool.QueryRow(ctx, q, tenantID, id, s, assignee, clearAssignee))
}

// Messages returns the newest messages of a conversation in chronological order.
func (r *Repository) Messages(ctx context.Context, tenantID, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	q := `SELECT * FROM (
			SELECT ` + messageColumns + ` FROM messages
			WHERE tenant_id = $1 AND conversation_id = $2
			ORDER BY created_at DESC LIMIT $3
		) recent ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, q, tenantID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// CreateMessage inserts a message and bumps the conversation's last_message_at in one transaction.
func (r *Repository) CreateMessage(ctx context.Context, m *models.Message) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `INSERT INTO messages (id, tenant_id, conversation_id, direction, sender, body, media_type, external_id)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at`
		err := tx.QueryRow(ctx, insert, m.TenantID, m.ConversationID, m.Direction, m.Sender, m.Body, m.MediaType, m.ExternalID).
			Scan(&m.ID, &m.CreatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateMessage
		}
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		const bump = `UPDATE conversations SET last_message_at = $3, updated_at = NOW()
			WHERE tenant_id = $1 AND id = $2`
		tag, err := tx.Exec(ctx, bump, m.TenantID, m.ConversationID, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("bump conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConversationNotFound
		}
		return nil
	})
}

// GetMessage returns a message by ID.
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(r.pool.QueryRow(ctx, q, id))
}

// SetExternalID records the provider message id of an outbound message.
func (r *Repository) SetExternalID(ctx context.Context, id uuid.UUID, externalID string) error {
	const q = `UPDATE messages SET external_id = $2 WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, externalID)
	return err
}

// SetMediaURL stores the mirrored object URL and returns the updated message.
func (r *Repository) SetMediaURL(ctx context.Context, id uuid.UUID, url string) (*models.Message, error) {
	q := `UPDATE messages SET media_url = $2 WHERE id = $1 RETURNING ` + messageColumns
	return scanMessage(r.pool.QueryRow(ctx, q, id, url))
}
