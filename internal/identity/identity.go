// Package identity defines the identity provider contract and the acting
// user attached to mutations.
package identity

import (
	"context"
	"errors"
)

// Sentinel errors for provider operations.
var (
	// ErrUserNotFound is returned when no user exists for an email.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when creating an already-registered email.
	ErrUserExists = errors.New("user already exists")
)

// Actor identifies who performed a mutation. Stored as createdBy/updatedBy
// on documents; nil means the mutation was unauthenticated.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// User is a tenant-scoped account in the identity provider.
type User struct {
	ID          string   `json:"id,omitempty"`
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`
}

// Provider is the identity backend contract. All operations are scoped to
// one tenant (workspace).
type Provider interface {
	// ListUsers returns up to limit users starting at offset, ordered by
	// email.
	ListUsers(ctx context.Context, tenant string, offset, limit int) ([]User, error)

	// GetUser returns the user registered under email, or ErrUserNotFound.
	GetUser(ctx context.Context, email, tenant string) (*User, error)

	// CreateUser registers a new user, or fails with ErrUserExists.
	CreateUser(ctx context.Context, user User, tenant string) (*User, error)

	// UpdateUser replaces the stored user for user.Email, or fails with
	// ErrUserNotFound.
	UpdateUser(ctx context.Context, user User, tenant string) (*User, error)
}
