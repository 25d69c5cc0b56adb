// Package auth implements tenant/API-key authentication: bcrypt hashing
// plus a Fiber RequireAPIKey middleware, extended with a distinct Tenant
// entity mapping API keys to tenants instead of conflating the key
// string with the tenant id.
package auth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/arvancloud/whatsapp-relay/internal/apierr"
	"github.com/arvancloud/whatsapp-relay/internal/db"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type Service struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewService(database *db.PostgresDB, logger *zap.Logger) *Service {
	return &Service{db: database, logger: logger}
}

// CreateTenant registers a tenant and mints its first API key, returning
// the plaintext key exactly once (only its bcrypt hash is persisted).
func (s *Service) CreateTenant(ctx context.Context, name string) (*Tenant, string, error) {
	tenant := &Tenant{ID: uuid.New(), Name: name}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, now())`,
		tenant.ID, tenant.Name); err != nil {
		return nil, "", fmt.Errorf("insert tenant: %w", err)
	}

	plaintext := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO api_keys (id, tenant_id, key_hash, created_at) VALUES ($1, $2, $3, now())`,
		uuid.New(), tenant.ID, string(hash)); err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit: %w", err)
	}

	return tenant, plaintext, nil
}

// AuthenticateAPIKey resolves a presented API key to its owning tenant.
// Active key hashes are bcrypt-compared against the presented key in a
// linear scan over active keys, since bcrypt hashes are not directly
// indexable.
func (s *Service) AuthenticateAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, key_hash FROM api_keys WHERE revoked_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var tenantID uuid.UUID
	found := false
	for rows.Next() {
		var row apiKeyRow
		if err := rows.Scan(&row.ID, &row.TenantID, &row.KeyHash); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(apiKey)) == nil {
			tenantID = row.TenantID
			found = true
			break
		}
	}
	if !found {
		return nil, apierr.New(apierr.Authentication, "invalid API key")
	}

	return s.GetTenantByID(ctx, tenantID)
}

func (s *Service) GetTenantByID(ctx context.Context, tenantID uuid.UUID) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM tenants WHERE id = $1`, tenantID).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.NotFound, "tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

const tenantLocalsKey = "tenant"

// RequireAPIKey is Fiber middleware guarding authenticated routes,
// resolving the presented key through AuthenticateAPIKey and attaching
// the tenant to the request context.
func (s *Service) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := c.Get("X-API-Key")
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing X-API-Key header"})
		}

		tenant, err := s.AuthenticateAPIKey(c.Context(), apiKey)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid API key"})
		}

		c.Locals(tenantLocalsKey, tenant)
		return c.Next()
	}
}

// GetTenantFromContext reads the tenant RequireAPIKey attached to the
// request context.
func GetTenantFromContext(c *fiber.Ctx) (*Tenant, error) {
	tenant, ok := c.Locals(tenantLocalsKey).(*Tenant)
	if !ok {
		return nil, fmt.Errorf("tenant not found in context")
	}
	return tenant, nil
}
