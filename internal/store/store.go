package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay/internal/errs"
)

// ErrNotFound is returned by Backend.Get for missing keys. Backends normalize
// their driver-specific miss conditions to this value.
var ErrNotFound = errors.New("store: key not found")

// Backend is the minimal namespace-keyed blob store the library persists
// through. Implementations must be safe for concurrent use.
type Backend interface {
	Set(namespace, key string, value []byte) error
	Get(namespace, key string) ([]byte, error)
	Remove(namespace, key string) error
	Has(namespace, key string) (bool, error)
	// Keys lists the keys in a namespace whose names start with prefix.
	// An empty prefix lists the whole namespace.
	Keys(namespace, prefix string) ([]string, error)
	Close() error
}

// Store layers typed accessors over a Backend. All protocol state goes through
// these so encoding stays uniform across backends.
type Store struct {
	backend Backend
}

// New wraps a backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Backend exposes the underlying backend for lifecycle management.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) SetBytes(ns, key string, value []byte) error {
	return s.backend.Set(ns, key, value)
}

func (s *Store) GetBytes(ns, key string) ([]byte, error) {
	return s.backend.Get(ns, key)
}

func (s *Store) Remove(ns, key string) error {
	return s.backend.Remove(ns, key)
}

func (s *Store) Has(ns, key string) (bool, error) {
	return s.backend.Has(ns, key)
}

func (s *Store) Keys(ns, prefix string) ([]string, error) {
	return s.backend.Keys(ns, prefix)
}

func (s *Store) SetString(ns, key, value string) error {
	return s.backend.Set(ns, key, []byte(value))
}

func (s *Store) GetString(ns, key string) (string, error) {
	b, err := s.backend.Get(ns, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) SetUint32(ns, key string, value uint32) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, value)
	return s.backend.Set(ns, key, b)
}

func (s *Store) GetUint32(ns, key string) (uint32, error) {
	b, err := s.backend.Get(ns, key)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, errs.Newf(errs.Storage, "bad uint32 encoding for %s/%s", ns, key)
	}
	return binary.BigEndian.Uint32(b), nil
}

func (s *Store) SetJSON(ns, key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errs.Wrap(errs.Storage, "marshal failed", err)
	}
	return s.backend.Set(ns, key, b)
}

func (s *Store) GetJSON(ns, key string, out interface{}) error {
	b, err := s.backend.Get(ns, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errs.Wrap(errs.Storage, "unmarshal failed", err)
	}
	return nil
}

func (s *Store) SetUUID(ns, key string, value uuid.UUID) error {
	return s.backend.Set(ns, key, []byte(value.String()))
}

func (s *Store) GetUUID(ns, key string) (uuid.UUID, error) {
	b, err := s.backend.Get(ns, key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(string(b))
	if err != nil {
		return uuid.Nil, errs.Wrap(errs.Storage, "bad stored uuid", err)
	}
	return id, nil
}

func (s *Store) SetAddress(ns, key string, addr Address) error {
	return s.backend.Set(ns, key, []byte(addr.String()))
}

func (s *Store) GetAddress(ns, key string) (Address, error) {
	b, err := s.backend.Get(ns, key)
	if err != nil {
		return Address{}, err
	}
	return ParseAddress(string(b))
}
