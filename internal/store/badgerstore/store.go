// Package badgerstore is an embedded primary store built on BadgerDB.
//
// Key layout:
//
//	msg:{id}                          -> message JSON
//	inbox:{len}:{user}:{%019d nanos}:{id} -> empty, one per participant
//	log:{%019d nanos}:{id}            -> empty, global chronological log
//	user:{id}                         -> user JSON
//	email:{email}                     -> user id
//
// The zero-padded timestamp keeps lexicographic and chronological order
// identical; the id breaks ties between messages in the same nanosecond.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/model"
	"github.com/fyrsmithlabs/parley/internal/store"
)

const maxTimestamp = "9999999999999999999"

// Config holds store settings.
type Config struct {
	Path     string
	InMemory bool
}

// Store implements store.Store.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil).WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", cfg.Path, err)
	}
	logger.Info("badger store opened", zap.String("path", cfg.Path), zap.Bool("in_memory", cfg.InMemory))
	return &Store{db: db, logger: logger}, nil
}

func messageKey(id string) []byte {
	return []byte("msg:" + id)
}

// inboxPrefix length-prefixes the user id so that no id is a key prefix of another.
func inboxPrefix(userID string) string {
	return fmt.Sprintf("inbox:%d:%s:", len(userID), userID)
}

func inboxKey(userID string, m model.Message) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", inboxPrefix(userID), m.CreatedAt.UnixNano(), m.ID))
}

func logKey(m model.Message) []byte {
	return []byte(fmt.Sprintf("log:%019d:%s", m.CreatedAt.UnixNano(), m.ID))
}

// CreateMessage writes the message and its index entries in one transaction.
func (s *Store) CreateMessage(ctx context.Context, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(messageKey(m.ID)); err == nil {
			return fmt.Errorf("message %s: %w", m.ID, store.ErrConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(messageKey(m.ID), body); err != nil {
			return err
		}
		for _, p := range lo.Uniq(m.Participants()) {
			if err := txn.Set(inboxKey(p, m), nil); err != nil {
				return err
			}
		}
		return txn.Set(logKey(m), nil)
	})
}

// ListForUser scans userID's inbox index backwards from the newest entry.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}
	out := make([]model.Message, 0, limit)

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(inboxPrefix(userID))
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), maxTimestamp...)); it.ValidForPrefix(prefix); it.Next() {
			if len(out) == limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key())
			id := key[strings.LastIndexByte(key, ':')+1:]
			m, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EachMessage walks the chronological log.
func (s *Store) EachMessage(ctx context.Context, fn func(model.Message) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("log:")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key())
			m, err := getMessage(txn, key[strings.LastIndexByte(key, ':')+1:])
			if err != nil {
				return err
			}
			if err := fn(m); err != nil {
				return err
			}
		}
		return nil
	})
}

func getMessage(txn *badger.Txn, id string) (model.Message, error) {
	var m model.Message
	item, err := txn.Get(messageKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return m, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return m, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &m)
	})
	return m, err
}

// CreateUser stores u, enforcing unique ids and emails.
func (s *Store) CreateUser(ctx context.Context, u model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	emailKey := []byte("email:" + strings.ToLower(u.Email))

	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range [][]byte{[]byte("user:" + u.ID), emailKey} {
			if _, err := txn.Get(k); err == nil {
				return fmt.Errorf("user %s: %w", u.ID, store.ErrConflict)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		if err := txn.Set([]byte("user:"+u.ID), body); err != nil {
			return err
		}
		return txn.Set(emailKey, []byte(u.ID))
	})
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	users := []model.User{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var u model.User
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &u)
			}); err != nil {
				return err
			}
			users = append(users, u)
		}
		return nil
	})
	return users, err
}

// Ping reports whether the database is open.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
