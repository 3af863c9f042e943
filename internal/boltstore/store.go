// Package boltstore persists conversations in a single bbolt file, one
// nested bucket per owner.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

var rootBucket = []byte("conversations")

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bolt dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create root bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the conversation document under owner, replacing any previous version.
func (s *Store) Save(_ context.Context, owner string, c conversation.Conversation) error {
	enc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(owner))
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), enc)
	})
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// LoadAll returns the owner's conversations ordered by creation time.
func (s *Store) LoadAll(_ context.Context, owner string) ([]conversation.Conversation, error) {
	var out []conversation.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket([]byte(owner))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var c conversation.Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	slices.SortStableFunc(out, func(a, b conversation.Conversation) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// Delete removes a conversation. Missing ids are ignored.
func (s *Store) Delete(_ context.Context, owner, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket([]byte(owner))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}
