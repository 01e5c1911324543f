// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/leafsii/leafsii-vault/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"HashOperations", testHashOperations},
		{"HashMissingKey", testHashMissingKey},
		{"SetOperations", testSetOperations},
		{"Apply", testApply},
		{"ApplyEmpty", testApplyEmpty},
		{"Ping", testPing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:string"
	value := []byte("hello world")

	if err := store.Set(ctx, key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	result, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(result, value) {
		t.Fatalf("Expected %v, got %v", value, result)
	}

	// Overwrite
	if err := store.Set(ctx, key, []byte("second")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	result, _ = store.Get(ctx, key)
	if string(result) != "second" {
		t.Fatalf("Expected overwrite, got %q", result)
	}
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	_, err := store.Get(context.Background(), "test:nonexistent")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func testHashOperations(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:hash"

	if err := store.HSet(ctx, key, "a", []byte("1")); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}
	if err := store.HSet(ctx, key, "b", []byte("2")); err != nil {
		t.Fatalf("HSet failed: %v", err)
	}

	v, err := store.HGet(ctx, key, "a")
	if err != nil {
		t.Fatalf("HGet failed: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("Expected 1, got %q", v)
	}

	if _, err := store.HGet(ctx, key, "zzz"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for missing field, got %v", err)
	}

	all, err := store.HGetAll(ctx, key)
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	want := map[string][]byte{"a": []byte("1"), "b": []byte("2")}
	if !reflect.DeepEqual(all, want) {
		t.Fatalf("Expected %v, got %v", want, all)
	}

	deleted, err := store.HDel(ctx, key, "a", "zzz")
	if err != nil {
		t.Fatalf("HDel failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Expected 1 deleted field, got %d", deleted)
	}
}

func testHashMissingKey(t *testing.T, store kv.Store) {
	all, err := store.HGetAll(context.Background(), "test:hash:missing")
	if err != nil {
		t.Fatalf("HGetAll on missing key failed: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("Expected empty map, got %v", all)
	}
}

func testSetOperations(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:set"

	added, err := store.SAdd(ctx, key, []byte("x"), []byte("y"), []byte("x"))
	if err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}
	if added != 2 {
		t.Fatalf("Expected 2 added, got %d", added)
	}

	members, err := store.SMembers(ctx, key)
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}
	got := make([]string, 0, len(members))
	for _, m := range members {
		got = append(got, string(m))
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("Expected [x y], got %v", got)
	}

	empty, err := store.SMembers(ctx, "test:set:missing")
	if err != nil {
		t.Fatalf("SMembers on missing key failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("Expected no members, got %v", empty)
	}
}

func testApply(t *testing.T, store kv.Store) {
	ctx := context.Background()
	store.HSet(ctx, "test:apply:hash", "old", []byte("x"))
	store.SAdd(ctx, "test:apply:set", []byte("gone"), []byte("kept"))

	err := store.Apply(ctx,
		kv.SetOp("test:apply:str", []byte("v")),
		kv.HSetOp("test:apply:hash", "new", []byte("y")),
		kv.HDelOp("test:apply:hash", "old"),
		kv.SAddOp("test:apply:set", []byte("m")),
		kv.SRemOp("test:apply:set", []byte("gone")),
		kv.SRemOp("test:apply:set:missing", []byte("x")),
	)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if v, _ := store.Get(ctx, "test:apply:str"); string(v) != "v" {
		t.Fatalf("Expected v, got %q", v)
	}
	all, _ := store.HGetAll(ctx, "test:apply:hash")
	if !reflect.DeepEqual(all, map[string][]byte{"new": []byte("y")}) {
		t.Fatalf("Unexpected hash after Apply: %v", all)
	}
	members, _ := store.SMembers(ctx, "test:apply:set")
	got := make([]string, 0, len(members))
	for _, m := range members {
		got = append(got, string(m))
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"kept", "m"}) {
		t.Fatalf("Unexpected set after Apply: %v", got)
	}
}

func testApplyEmpty(t *testing.T, store kv.Store) {
	if err := store.Apply(context.Background()); err != nil {
		t.Fatalf("Empty Apply failed: %v", err)
	}
}

func testPing(t *testing.T, store kv.Store) {
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
