package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.wal")
}

// S3: Put("foo", "bar") writes exactly 23 bytes:
// 1 opcode + 8 keylen + 8 vallen + 3 key + 3 value.
func TestPutRecordSize(t *testing.T) {
	path := tempPath(t)
	w, err := OpenWriter(path, nil)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	n, err := w.Put("foo", "bar")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != 23 {
		t.Fatalf("Put(\"foo\", \"bar\") wrote %d bytes, want 23", n)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 23 {
		t.Fatalf("file size = %d, want 23", info.Size())
	}
}

// S4: Delete("foo") writes exactly 12 bytes: 1 opcode + 8 keylen + 3 key.
func TestDeleteRecordSize(t *testing.T) {
	path := tempPath(t)
	w, err := OpenWriter(path, nil)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	n, err := w.Delete("foo")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 12 {
		t.Fatalf("Delete(\"foo\") wrote %d bytes, want 12", n)
	}
}

// S5: a mixed sequence of Put/Delete records round-trips exactly through a
// Reader, in order, followed by a clean io.EOF.
func TestMixedPutDeleteRoundTrip(t *testing.T) {
	path := tempPath(t)
	w, err := OpenWriter(path, nil)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if _, err := w.Put("foo", "bar"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := w.Put("baz", "qux"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := w.Delete("foo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	want := []Record{
		{Op: OpPut, Key: "foo", Value: "bar"},
		{Op: OpPut, Key: "baz", Value: "qux"},
		{Op: OpDelete, Key: "foo"},
	}
	for i, w := range want {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() record %d: unexpected error %v", i, err)
		}
		if got != w {
			t.Fatalf("Next() record %d = %+v, want %+v", i, got, w)
		}
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() after last record = %v, want io.EOF", err)
	}
}

// Log self-delimitation: a record is fully recoverable by opcode + declared
// lengths alone, with no reliance on surrounding bytes.
func TestTruncatedTailSurfacesCorruption(t *testing.T) {
	path := tempPath(t)
	w, err := OpenWriter(path, nil)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if _, err := w.Put("foo", "bar"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := w.Put("truncated-key", "truncated-value"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Chop off the last few bytes to simulate a crash mid-append.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next() first record: unexpected error %v", err)
	}
	if first.Key != "foo" || first.Value != "bar" {
		t.Fatalf("Next() first record = %+v, want foo/bar", first)
	}

	_, err = r.Next()
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Next() on truncated record = %v, want *CorruptionError", err)
	}

	// The sticky error must keep being returned, never yielding a further
	// record past the corruption.
	if _, err2 := r.Next(); !errors.As(err2, &corrupt) {
		t.Fatalf("Next() after corruption = %v, want the same sticky *CorruptionError", err2)
	}
}

func TestUnknownOpcodeIsCorruption(t *testing.T) {
	path := tempPath(t)
	if err := os.WriteFile(path, []byte{0xFF}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	_, err = r.Next()
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Next() on unknown opcode = %v, want *CorruptionError", err)
	}
}
