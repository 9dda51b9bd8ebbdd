package postgres

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/parley/internal/model"
	"github.com/fyrsmithlabs/parley/internal/store"
)

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, u model.User) error {
	const q = `INSERT INTO users (id, name, email, created_at) VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, q, u.ID, u.Name, u.Email, u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.ID, store.ErrConflict)
	}
	return err
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	const q = `SELECT id, name, email, created_at FROM users ORDER BY id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
