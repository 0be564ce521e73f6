package state

import (
	"bytes"
	"errors"
	"testing"

	"creditline/storage"
)

func TestTxnReadsItsOwnWrites(t *testing.T) {
	db := storage.NewMemDB()
	if err := db.Put([]byte("base"), []byte("old")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	txn := NewTxn(db)
	if err := txn.Put([]byte("base"), []byte("new")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := txn.Get([]byte("base"))
	if err != nil || !bytes.Equal(got, []byte("new")) {
		t.Fatalf("overlay read: %q %v", got, err)
	}
	// The database keeps the old value until commit.
	stored, err := db.Get([]byte("base"))
	if err != nil || !bytes.Equal(stored, []byte("old")) {
		t.Fatalf("base leaked uncommitted write: %q %v", stored, err)
	}
}

func TestTxnFallsThroughToBase(t *testing.T) {
	db := storage.NewMemDB()
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	txn := NewTxn(db)
	got, err := txn.Get([]byte("k"))
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("fallthrough read: %q %v", got, err)
	}
	if _, err := txn.Get([]byte("absent")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestTxnDeleteShadowsBase(t *testing.T) {
	db := storage.NewMemDB()
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	txn := NewTxn(db)
	if err := txn.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := txn.Get([]byte("k")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after buffered delete, got %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Fatalf("expected delete to commit, got %v", err)
	}
}

func TestTxnCommitFlushesAtomically(t *testing.T) {
	db := storage.NewMemDB()
	txn := NewTxn(db)
	if err := txn.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := txn.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := txn.Put([]byte("a"), []byte("3")); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if txn.Pending() != 2 {
		t.Fatalf("pending writes: %d", txn.Pending())
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	a, err := db.Get([]byte("a"))
	if err != nil || !bytes.Equal(a, []byte("3")) {
		t.Fatalf("a after commit: %q %v", a, err)
	}
	b, err := db.Get([]byte("b"))
	if err != nil || !bytes.Equal(b, []byte("2")) {
		t.Fatalf("b after commit: %q %v", b, err)
	}
	if err := txn.Put([]byte("c"), []byte("4")); err == nil {
		t.Fatalf("writes after commit must fail")
	}
	if err := txn.Commit(); err == nil {
		t.Fatalf("double commit must fail")
	}
}

func TestAbandonedTxnWritesNothing(t *testing.T) {
	db := storage.NewMemDB()
	txn := NewTxn(db)
	if err := txn.Put([]byte("ghost"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Dropped without commit.
	if _, err := db.Get([]byte("ghost")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Fatalf("abandoned txn leaked writes: %v", err)
	}
}
