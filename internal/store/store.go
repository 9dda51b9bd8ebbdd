// Package store defines the primary, durable record of users and messages.
package store

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/parley/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a record with the same key exists.
	ErrConflict = errors.New("already exists")
)

// MessageStore persists messages.
type MessageStore interface {
	// CreateMessage durably stores m. m.ID and m.CreatedAt are set by the caller.
	CreateMessage(ctx context.Context, m model.Message) error
	// ListForUser returns messages sent or received by userID, newest first,
	// at most limit entries.
	ListForUser(ctx context.Context, userID string, limit int) ([]model.Message, error)
	// EachMessage calls fn for every message, oldest first, stopping at the
	// first error.
	EachMessage(ctx context.Context, fn func(model.Message) error) error
}

// UserStore reads users created by the signup service.
type UserStore interface {
	CreateUser(ctx context.Context, u model.User) error
	ListUsers(ctx context.Context) ([]model.User, error)
}

// Store is a complete primary store backend.
type Store interface {
	MessageStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
