package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fyrsmithlabs/parley/internal/model"
	"github.com/fyrsmithlabs/parley/internal/store"
)

const messageColumns = `id, sender_id, receiver_id, body, read, created_at`

// CreateMessage inserts one row.
func (s *Store) CreateMessage(ctx context.Context, m model.Message) error {
	const q = `INSERT INTO messages (` + messageColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, q, m.ID, m.SenderID, m.ReceiverID, m.Text, m.Read, m.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("message %s: %w", m.ID, store.ErrConflict)
	}
	return err
}

// ListForUser returns userID's conversation history, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}
	const q = `SELECT ` + messageColumns + ` FROM messages WHERE sender_id = $1 OR receiver_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EachMessage streams every message, oldest first.
func (s *Store) EachMessage(ctx context.Context, fn func(model.Message) error) error {
	const q = `SELECT ` + messageColumns + ` FROM messages ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanMessage(rows pgx.Rows) (model.Message, error) {
	var m model.Message
	err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Read, &m.CreatedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}
