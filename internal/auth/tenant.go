package auth

import "github.com/google/uuid"

// Tenant is a distinct entity rather than a bare API-key string: one
// tenant may hold several active API keys, and an API key always
// resolves to exactly one tenant.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt string    `json:"created_at"`
}

// apiKeyRow is one row of the api_keys table: the bcrypt hash of a
// plaintext key plus the tenant it resolves to.
type apiKeyRow struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	KeyHash  string
}
