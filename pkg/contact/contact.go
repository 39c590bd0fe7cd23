// Package contact holds addressable recipients and their rolling engagement
// state.
package contact

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PhoneType classifies a contact's phone line, fed by provider lookups and
// call outcomes. Landlines cannot receive SMS.
type PhoneType string

const (
	PhoneTypeUnknown  PhoneType = "unknown"
	PhoneTypeMobile   PhoneType = "mobile"
	PhoneTypeLandline PhoneType = "landline"
)

// Contact is an addressable recipient.
type Contact struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Phone        string
	PhoneType    PhoneType
	Email        *string
	FirstName    string
	LastName     string
	Company      string
	CustomFields map[string]string

	EngagementScore     int
	SentimentTrend      string
	ConversationSummary string

	EmailBounced bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName returns the contact's name for template binding.
func (c *Contact) DisplayName() string {
	if c.FirstName == "" && c.LastName == "" {
		return ""
	}
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// Store provides database operations for contacts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a contact Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const contactColumns = `
	id, tenant_id, phone, phone_type, email, first_name, last_name, company,
	custom_fields, engagement_score, sentiment_trend, conversation_summary,
	email_bounced, created_at, updated_at`

// Get fetches a contact by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Contact, error) {
	var (
		c      Contact
		fields []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE id = $1
	`, id).Scan(
		&c.ID, &c.TenantID, &c.Phone, &c.PhoneType, &c.Email, &c.FirstName,
		&c.LastName, &c.Company, &fields, &c.EngagementScore, &c.SentimentTrend,
		&c.ConversationSummary, &c.EmailBounced, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("getting contact %s: %w", id, err)
	}
	if len(fields) > 0 {
		_ = json.Unmarshal(fields, &c.CustomFields)
	}
	return &c, nil
}

// FindByPhone looks a contact up by phone number within a tenant. Used by
// the inbound assistant-request path.
func (s *Store) FindByPhone(ctx context.Context, tenantID uuid.UUID, phone string) (*Contact, error) {
	var (
		c      Contact
		fields []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts WHERE tenant_id = $1 AND phone = $2
	`, tenantID, phone).Scan(
		&c.ID, &c.TenantID, &c.Phone, &c.PhoneType, &c.Email, &c.FirstName,
		&c.LastName, &c.Company, &fields, &c.EngagementScore, &c.SentimentTrend,
		&c.ConversationSummary, &c.EmailBounced, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("finding contact by phone: %w", err)
	}
	if len(fields) > 0 {
		_ = json.Unmarshal(fields, &c.CustomFields)
	}
	return &c, nil
}

// UpdateEngagement writes the rolling engagement score and sentiment trend.
func (s *Store) UpdateEngagement(ctx context.Context, id uuid.UUID, score int, trend string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contacts SET engagement_score = $2, sentiment_trend = $3, updated_at = now()
		WHERE id = $1
	`, id, score, trend)
	if err != nil {
		return fmt.Errorf("updating contact %s engagement: %w", id, err)
	}
	return nil
}

// SetPhoneType records a provider-reported line classification.
func (s *Store) SetPhoneType(ctx context.Context, id uuid.UUID, pt PhoneType) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contacts SET phone_type = $2, updated_at = now() WHERE id = $1
	`, id, pt)
	if err != nil {
		return fmt.Errorf("setting contact %s phone type: %w", id, err)
	}
	return nil
}

// SetEmailBounced flags a repeatedly-bouncing address.
func (s *Store) SetEmailBounced(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contacts SET email_bounced = TRUE, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("setting contact %s email bounced: %w", id, err)
	}
	return nil
}

// SetConversationSummary stores the latest rolling summary.
func (s *Store) SetConversationSummary(ctx context.Context, id uuid.UUID, summary string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE contacts SET conversation_summary = $2, updated_at = now() WHERE id = $1
	`, id, summary)
	if err != nil {
		return fmt.Errorf("setting contact %s summary: %w", id, err)
	}
	return nil
}
