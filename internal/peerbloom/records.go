package peerbloom

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/peerbloom/internal/storage"
)

// records is a JSON-encoded keyspace of T under a fixed prefix.
type records[T any] struct {
	db     storage.DB
	prefix string
}

func (s records[T]) key(id string) []byte {
	return []byte(s.prefix + id)
}

func (s records[T]) get(id string) (*T, error) {
	data, err := s.db.Get(s.key(id))
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s%s: %w", s.prefix, id, err)
	}
	return v, nil
}

func (s records[T]) put(id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s%s: %w", s.prefix, id, err)
	}
	return s.db.Put(s.key(id), data)
}

func (s records[T]) delete(id string) error {
	return s.db.Delete(s.key(id))
}

// each calls fn for every record that decodes. Corrupt entries are skipped.
func (s records[T]) each(fn func(*T) error) error {
	return s.db.ForEach([]byte(s.prefix), func(_, value []byte) error {
		v := new(T)
		if json.Unmarshal(value, v) != nil {
			return nil
		}
		return fn(v)
	})
}

func (s records[T]) count() (int, error) {
	n := 0
	err := s.db.ForEach([]byte(s.prefix), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// deleteWhere removes every record matching drop, plus any that fail to
// decode, in one batch when the database supports it.
func (s records[T]) deleteWhere(drop func(*T) bool) (int, error) {
	var doomed [][]byte
	err := s.db.ForEach([]byte(s.prefix), func(key, value []byte) error {
		v := new(T)
		if json.Unmarshal(value, v) != nil || drop(v) {
			doomed = append(doomed, bytes.Clone(key))
		}
		return nil
	})
	if err != nil || len(doomed) == 0 {
		return 0, err
	}

	if b, ok := s.db.(storage.Batcher); ok {
		batch := b.NewBatch()
		for _, k := range doomed {
			if err := batch.Delete(k); err != nil {
				return 0, err
			}
		}
		if err := batch.Commit(); err != nil {
			return 0, err
		}
		return len(doomed), nil
	}
	for _, k := range doomed {
		if err := s.db.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}
