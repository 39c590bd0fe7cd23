// Package notify writes operator notification records and fans them out to
// registered messaging providers. Notifications are advisory: they never
// influence the scheduler.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification kinds.
const (
	KindHotLead           = "hot_lead"
	KindNeedsHuman        = "needs_human"
	KindObjectionDetected = "objection_detected"
	KindAtRisk            = "at_risk"
)

// Notification is one operator-facing record.
type Notification struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	EnrollmentID uuid.UUID
	ContactID    uuid.UUID
	Kind         string
	Title        string
	Body         string
	CreatedAt    time.Time
}

// Provider posts notifications to an external messaging platform.
type Provider interface {
	Name() string
	PostNotification(ctx context.Context, n Notification) error
}

// Registry holds the registered messaging providers.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// All returns all registered providers.
func (r *Registry) All() []Provider {
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

// Store persists notification records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a notification Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert appends a notification record.
func (s *Store) Insert(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, tenant_id, enrollment_id, contact_id, kind, title, body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())
	`, n.ID, n.TenantID, n.EnrollmentID, n.ContactID, n.Kind, n.Title, n.Body)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// Inserter is the persistence slice the service needs. Satisfied by *Store.
type Inserter interface {
	Insert(ctx context.Context, n *Notification) error
}

// Service writes notifications and fans them out.
type Service struct {
	store    Inserter
	registry *Registry
	logger   *slog.Logger
}

// NewService creates a notification Service.
func NewService(store Inserter, registry *Registry, logger *slog.Logger) *Service {
	return &Service{store: store, registry: registry, logger: logger}
}

// Emit writes the record and posts it through every registered provider.
// Provider failures are logged, never propagated; the record is the source
// of truth.
func (s *Service) Emit(ctx context.Context, n Notification) {
	if err := s.store.Insert(ctx, &n); err != nil {
		s.logger.Error("writing notification", "kind", n.Kind, "error", err)
		return
	}
	for _, p := range s.registry.All() {
		if err := p.PostNotification(ctx, n); err != nil {
			s.logger.Warn("posting notification",
				"provider", p.Name(), "kind", n.Kind, "error", err)
		}
	}
}
