package memtable

import (
	"path/filepath"
	"testing"
)

func tempWALPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "memtable.wal")
}

func TestPutGetDelete(t *testing.T) {
	tbl, err := Open(tempWALPath(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()

	if err := tbl.Put("foo", "bar"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, ok := tbl.Get("foo"); !ok || v != "bar" {
		t.Fatalf("Get(foo) = (%q, %v), want (bar, true)", v, ok)
	}

	if err := tbl.Put("foo", "baz"); err != nil {
		t.Fatalf("Put (overwrite): %v", err)
	}
	if v, ok := tbl.Get("foo"); !ok || v != "baz" {
		t.Fatalf("Get(foo) after overwrite = (%q, %v), want (baz, true)", v, ok)
	}

	if err := tbl.Delete("foo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := tbl.Get("foo"); ok {
		t.Fatalf("Get(foo) after Delete = true, want false")
	}

	if err := tbl.Delete("never-existed"); err != nil {
		t.Fatalf("Delete on an absent key should not error: %v", err)
	}
}

func TestLen(t *testing.T) {
	tbl, err := Open(tempWALPath(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tbl.Close()

	for _, k := range []string{"a", "b", "c"} {
		if err := tbl.Put(k, "v"); err != nil {
			t.Fatalf("Put(%q): %v", k, err)
		}
	}
	if got := tbl.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	if err := tbl.Delete("b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := tbl.Len(); got != 2 {
		t.Fatalf("Len() after delete = %d, want 2", got)
	}
}

// Crash-recovery-by-replay: a Table opened fresh against an existing WAL and
// told to Recover from it reconstructs the same key/value state.
func TestRecoverReplaysWAL(t *testing.T) {
	path := tempWALPath(t)

	tbl, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tbl.Put("foo", "bar"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tbl.Put("baz", "qux"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tbl.Delete("foo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := tbl.Put("baz", "updated"); err != nil {
		t.Fatalf("Put (overwrite): %v", err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recovered, err := Open(tempWALPath(t), nil)
	if err != nil {
		t.Fatalf("Open (recovery target): %v", err)
	}
	defer recovered.Close()

	if err := recovered.Recover(path); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if _, ok := recovered.Get("foo"); ok {
		t.Fatalf("Get(foo) after replaying a deleted key = true, want false")
	}
	if v, ok := recovered.Get("baz"); !ok || v != "updated" {
		t.Fatalf("Get(baz) = (%q, %v), want (updated, true)", v, ok)
	}
}
