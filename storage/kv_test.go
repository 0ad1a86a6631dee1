package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

type record struct {
	Name  string
	Value uint64
	Flags []uint16
}

func TestMemDBNotFound(t *testing.T) {
	db := NewMemDB()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKVStoreRoundTrip(t *testing.T) {
	store := NewKVStore(NewMemDB())
	in := record{Name: "pool", Value: 42, Flags: []uint16{1, 2}}
	if err := store.Put([]byte("k"), &in); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out record
	ok, err := store.Get([]byte("k"), &out)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out.Name != in.Name || out.Value != in.Value || len(out.Flags) != 2 {
		t.Fatalf("unexpected record %+v", out)
	}
	ok, err = store.Get([]byte("absent"), &out)
	if err != nil || ok {
		t.Fatalf("absent key should report !ok without error, got ok=%v err=%v", ok, err)
	}
}

func TestBatchAppliesPutsAndDeletes(t *testing.T) {
	db := NewMemDB()
	store := NewKVStore(db)
	if err := store.Put([]byte("old"), uint64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	batch := NewBatch()
	if err := batch.Put([]byte("a"), uint64(7)); err != nil {
		t.Fatalf("stage: %v", err)
	}
	batch.Delete([]byte("old"))
	if batch.Len() != 2 {
		t.Fatalf("expected 2 staged ops, got %d", batch.Len())
	}
	if err := store.Apply(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	var v uint64
	if ok, _ := store.Get([]byte("a"), &v); !ok || v != 7 {
		t.Fatalf("expected staged value 7, got ok=%v v=%d", ok, v)
	}
	if ok, _ := store.Get([]byte("old"), &v); ok {
		t.Fatalf("deleted key still present")
	}
	if db.Len() != 1 {
		t.Fatalf("expected a single live key, got %d", db.Len())
	}
}

func TestPersistentBackends(t *testing.T) {
	for _, backend := range []string{"leveldb", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			db, err := Open(backend, filepath.Join(t.TempDir(), "state"))
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer db.Close()
			if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := db.Write([]BatchOp{{Key: []byte("x"), Value: []byte("1")}, {Key: []byte("y"), Value: []byte("2")}}); err != nil {
				t.Fatalf("write: %v", err)
			}
			got, err := db.Get([]byte("y"))
			if err != nil || string(got) != "2" {
				t.Fatalf("unexpected value %q err=%v", got, err)
			}
			if err := db.Write([]BatchOp{{Key: []byte("y"), Delete: true}, {Key: []byte("z"), Value: []byte("3")}}); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := db.Get([]byte("y")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
			if err := db.Delete([]byte("x")); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := db.Get([]byte("x")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("rocksdb", t.TempDir()); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}
