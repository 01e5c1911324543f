package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key or field is not found
var ErrNotFound = errors.New("not found")

// ErrBackendUnavailable is returned when the backend storage is unavailable
var ErrBackendUnavailable = errors.New("backend unavailable")

// Store defines the interface for a Redis-like key-value store
type Store interface {
	// String operations
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)

	// Hash operations
	HSet(ctx context.Context, key string, field string, value []byte) error
	HGet(ctx context.Context, key string, field string) ([]byte, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// Set operations
	SAdd(ctx context.Context, key string, members ...[]byte) (int64, error)
	SMembers(ctx context.Context, key string) ([][]byte, error)

	// Apply executes ops as one atomic unit: either every op is visible or none is.
	Apply(ctx context.Context, ops ...Op) error

	// Health check
	Ping(ctx context.Context) error

	// Cleanup
	Close() error
}

// OpKind selects the write performed by an Op
type OpKind int

const (
	OpSet OpKind = iota
	OpHSet
	OpHDel
	OpSAdd
	OpSRem
)

// Op is a single write inside an atomic Apply
type Op struct {
	Kind  OpKind
	Key   string
	Field string
	Value []byte
}

func SetOp(key string, value []byte) Op { return Op{Kind: OpSet, Key: key, Value: value} }

func HSetOp(key, field string, value []byte) Op {
	return Op{Kind: OpHSet, Key: key, Field: field, Value: value}
}

func HDelOp(key, field string) Op { return Op{Kind: OpHDel, Key: key, Field: field} }

func SAddOp(key string, member []byte) Op { return Op{Kind: OpSAdd, Key: key, Value: member} }

func SRemOp(key string, member []byte) Op { return Op{Kind: OpSRem, Key: key, Value: member} }
