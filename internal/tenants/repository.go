package tenants

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/convo-crm/backend/internal/models"
)

var (
	// ErrTenantNotFound is returned when no tenant owns the requested domain or id.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrDomainTaken is returned when a subdomain or custom domain is already in use.
	ErrDomainTaken = errors.New("domain already taken")
)

// Lookup resolves a host domain to its tenant. Not found is ErrTenantNotFound; any other error
// is an infrastructure failure.
type Lookup interface {
	FindByDomain(ctx context.Context, domain string) (*models.Tenant, error)
}

// Querier is the part of *pgxpool.Pool the repository uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles tenant persistence.
type Repository struct {
	pool       Querier
	rootDomain string
}

// NewRepository creates a tenant repository. rootDomain, when set, lets "<subdomain>.<rootDomain>"
// match a tenant's subdomain.
func NewRepository(pool Querier, rootDomain string) *Repository {
	return &Repository{pool: pool, rootDomain: rootDomain}
}

const tenantColumns = `id, name, subdomain, custom_domain, whatsapp_phone_number_id, created_at, updated_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Subdomain, &t.CustomDomain, &t.WhatsAppPhoneNumberID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a tenant.
func (r *Repository) Create(ctx context.Context, t *models.Tenant) error {
	const q = `INSERT INTO tenants (id, name, subdomain, custom_domain, whatsapp_phone_number_id)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, t.Name, t.Subdomain, t.CustomDomain, t.WhatsAppPhoneNumberID).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDomainTaken
	}
	return err
}

// GetByID returns a tenant by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(r.pool.QueryRow(ctx, q, id))
}

// RootSubdomain reports the subdomain label when domain is "<label>.<rootDomain>".
func RootSubdomain(domain, rootDomain string) (string, bool) {
	if rootDomain == "" {
		return "", false
	}
	label, ok := strings.CutSuffix(domain, "."+rootDomain)
	if !ok || label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// UnderRoot reports whether domain is the root domain or any host below it. Such hosts are
// addressed by subdomain and cannot be claimed as custom domains.
func UnderRoot(domain, rootDomain string) bool {
	return rootDomain != "" && (domain == rootDomain || strings.HasSuffix(domain, "."+rootDomain))
}

// FindByDomain returns the tenant whose subdomain or custom domain equals domain (case-sensitive).
// Hosts under the root domain match by subdomain only; any other host matches a custom domain or
// a bare subdomain, custom domain first.
func (r *Repository) FindByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var (
		q   string
		arg string
	)
	if label, ok := RootSubdomain(domain, r.rootDomain); ok {
		q = `SELECT ` + tenantColumns + ` FROM tenants WHERE subdomain = $1`
		arg = label
	} else {
		q = `SELECT ` + tenantColumns + ` FROM tenants
		WHERE custom_domain = $1 OR subdomain = $1
		ORDER BY (custom_domain = $1) IS TRUE DESC, created_at
		LIMIT 1`
		arg = domain
	}
	t, err := scanTenant(r.pool.QueryRow(ctx, q, arg))
	if err != nil && !errors.Is(err, ErrTenantNotFound) {
		return nil, fmt.Errorf("find tenant by domain: %w", err)
	}
	return t, err
}

// GetByWhatsAppPhoneNumberID returns the tenant that owns a WhatsApp business number.
func (r *Repository) GetByWhatsAppPhoneNumberID(ctx context.Context, phoneNumberID string) (*models.Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants WHERE whatsapp_phone_number_id = $1`
	return scanTenant(r.pool.QueryRow(ctx, q, phoneNumberID))
}
