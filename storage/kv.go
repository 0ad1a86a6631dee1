package storage

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// KVStore layers RLP encoding over a Database. Values are encoded with the
// same codec the chain uses for account state so stored records stay
// compatible with go-ethereum tooling.
type KVStore struct {
	db Database
}

func NewKVStore(db Database) *KVStore {
	return &KVStore{db: db}
}

// Get decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (s *KVStore) Get(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("storage: kv store not initialised")
	}
	raw, err := s.db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return true, nil
}

// Put encodes value and stores it under key.
func (s *KVStore) Put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return s.db.Put(key, encoded)
}

// Apply writes every staged operation of the batch atomically.
func (s *KVStore) Apply(b *Batch) error {
	if b == nil || len(b.ops) == 0 {
		return nil
	}
	return s.db.Write(b.ops)
}

// Batch stages encoded writes until they are applied together.
type Batch struct {
	ops []BatchOp
}

func NewBatch() *Batch {
	return &Batch{}
}

// Put encodes value and stages it under key.
func (b *Batch) Put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	b.ops = append(b.ops, BatchOp{Key: append([]byte(nil), key...), Value: encoded})
	return nil
}

// Delete stages the removal of key.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, BatchOp{Key: append([]byte(nil), key...), Delete: true})
}

// Len reports the number of staged operations.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}
