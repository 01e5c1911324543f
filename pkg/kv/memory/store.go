package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/leafsii/leafsii-vault/pkg/kv"
)

// ErrWrongType mirrors Redis WRONGTYPE: the key holds another kind of value.
var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

// Store is an in-memory implementation of the kv.Store interface
type Store struct {
	mu      sync.RWMutex
	strings map[string][]byte
	hashes  map[string]map[string][]byte
	sets    map[string]map[string]struct{}
	closed  bool
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		strings: make(map[string][]byte),
		hashes:  make(map[string]map[string][]byte),
		sets:    make(map[string]map[string]struct{}),
	}
}

// deleteKeyUnsafe removes a key from all data structures (must hold write lock)
func (s *Store) deleteKeyUnsafe(key string) bool {
	_, inStrings := s.strings[key]
	_, inHashes := s.hashes[key]
	_, inSets := s.sets[key]
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	return inStrings || inHashes || inSets
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("%w: store closed", kv.ErrBackendUnavailable)
	}
	return nil
}

func copyBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}

// String operations

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.setUnsafe(key, value)
	return nil
}

func (s *Store) setUnsafe(key string, value []byte) {
	s.deleteKeyUnsafe(key)
	s.strings[key] = copyBytes(value)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	value, exists := s.strings[key]
	if !exists {
		return nil, kv.ErrNotFound
	}
	return copyBytes(value), nil
}

// Hash operations

func (s *Store) HSet(ctx context.Context, key string, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.hsetUnsafe(key, field, value)
}

func (s *Store) hsetUnsafe(key, field string, value []byte) error {
	if _, ok := s.strings[key]; ok {
		return ErrWrongType
	}
	if _, ok := s.sets[key]; ok {
		return ErrWrongType
	}
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	h[field] = copyBytes(value)
	return nil
}

func (s *Store) HGet(ctx context.Context, key string, field string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	value, ok := s.hashes[key][field]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return copyBytes(value), nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.hdelUnsafe(key, fields...), nil
}

func (s *Store) hdelUnsafe(key string, fields ...string) int64 {
	h, ok := s.hashes[key]
	if !ok {
		return 0
	}
	var deleted int64
	for _, f := range fields {
		if _, ok := h[f]; ok {
			delete(h, f)
			deleted++
		}
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return deleted
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = copyBytes(v)
	}
	return out, nil
}

// Set operations

func (s *Store) SAdd(ctx context.Context, key string, members ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.saddUnsafe(key, members...)
}

func (s *Store) saddUnsafe(key string, members ...[]byte) (int64, error) {
	if _, ok := s.strings[key]; ok {
		return 0, ErrWrongType
	}
	if _, ok := s.hashes[key]; ok {
		return 0, ErrWrongType
	}
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	var added int64
	for _, m := range members {
		if _, exists := set[string(m)]; !exists {
			set[string(m)] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (s *Store) sremUnsafe(key string, member []byte) {
	set, ok := s.sets[key]
	if !ok {
		return
	}
	delete(set, string(member))
	if len(set) == 0 {
		delete(s.sets, key)
	}
}

func (s *Store) SMembers(ctx context.Context, key string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, []byte(m))
	}
	return out, nil
}

// Apply validates every op first and then applies them under one lock, so a
// wrong-type op leaves the store untouched.
func (s *Store) Apply(ctx context.Context, ops ...kv.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	for i, op := range ops {
		if err := s.validateUnsafe(op); err != nil {
			return fmt.Errorf("op %d on %s: %w", i, op.Key, err)
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case kv.OpSet:
			s.setUnsafe(op.Key, op.Value)
		case kv.OpHSet:
			_ = s.hsetUnsafe(op.Key, op.Field, op.Value)
		case kv.OpHDel:
			s.hdelUnsafe(op.Key, op.Field)
		case kv.OpSAdd:
			_, _ = s.saddUnsafe(op.Key, op.Value)
		case kv.OpSRem:
			s.sremUnsafe(op.Key, op.Value)
		}
	}
	return nil
}

// validateUnsafe checks an op against the current key types. Ops earlier in
// the same batch that change a key's type are not considered.
func (s *Store) validateUnsafe(op kv.Op) error {
	_, isString := s.strings[op.Key]
	_, isHash := s.hashes[op.Key]
	_, isSet := s.sets[op.Key]

	switch op.Kind {
	case kv.OpSet:
		return nil
	case kv.OpHSet, kv.OpHDel:
		if isString || isSet {
			return ErrWrongType
		}
	case kv.OpSAdd, kv.OpSRem:
		if isString || isHash {
			return ErrWrongType
		}
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
