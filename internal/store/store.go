// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/zapbridge/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a record with the same unique key exists.
	ErrDuplicate = errors.New("already exists")
)

// Repository defines the interface for persisting console data.
type Repository interface {
	// GetProfile retrieves a profile by user ID. Returns nil, nil when absent.
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)

	// UpsertProfile creates or updates a profile. The admin flag of an existing
	// profile is never changed by an upsert.
	UpsertProfile(ctx context.Context, profile *domain.Profile) error

	// SetAdmin updates the role flag of a profile.
	SetAdmin(ctx context.Context, userID string, isAdmin bool) error

	// CreateInstance inserts a new instance. Returns ErrDuplicate on name clash.
	CreateInstance(ctx context.Context, inst *domain.Instance) error

	// GetInstance retrieves an instance by name. Returns ErrNotFound when absent.
	GetInstance(ctx context.Context, name string) (*domain.Instance, error)

	// ListInstances lists instances, all of them when ownerID is empty.
	ListInstances(ctx context.Context, ownerID string) ([]*domain.Instance, error)

	// UpdateInstance saves the mutable settings of an instance.
	UpdateInstance(ctx context.Context, inst *domain.Instance) error

	// DeleteInstance removes an instance by name. Returns ErrNotFound when absent.
	DeleteInstance(ctx context.Context, name string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
