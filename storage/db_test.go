package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestMemDBGetMissingKey(t *testing.T) {
	db := NewMemDB()
	if _, err := db.Get([]byte("absent")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	ok, err := db.Has([]byte("absent"))
	if err != nil || ok {
		t.Fatalf("has on missing key: ok=%v err=%v", ok, err)
	}
}

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("get: %q %v", got, err)
	}
	// Mutating the returned slice must not corrupt the stored value.
	got[0] = 'x'
	again, err := db.Get([]byte("k"))
	if err != nil || !bytes.Equal(again, []byte("v")) {
		t.Fatalf("stored value aliased: %q %v", again, err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestBatchAppliesInOrder(t *testing.T) {
	db := NewMemDB()
	if err := db.Put([]byte("stale"), []byte("old")); err != nil {
		t.Fatalf("put: %v", err)
	}

	batch := new(Batch)
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("a"), []byte("2"))
	batch.Put([]byte("b"), []byte("3"))
	batch.Delete([]byte("stale"))
	if batch.Len() != 4 {
		t.Fatalf("batch length: %d", batch.Len())
	}
	if err := db.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := db.Get([]byte("a"))
	if err != nil || !bytes.Equal(got, []byte("2")) {
		t.Fatalf("last write must win: %q %v", got, err)
	}
	if _, err := db.Get([]byte("stale")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected stale key removed, got %v", err)
	}

	batch.Reset()
	if batch.Len() != 0 {
		t.Fatalf("reset batch length: %d", batch.Len())
	}
}

func TestBatchCopiesBuffers(t *testing.T) {
	db := NewMemDB()
	key := []byte("k")
	value := []byte("v1")
	batch := new(Batch)
	batch.Put(key, value)
	// Callers may reuse their buffers after queueing.
	value[1] = '9'
	key[0] = 'x'
	if err := db.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil || !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("batch aliased caller buffers: %q %v", got, err)
	}
}
