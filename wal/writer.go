package wal

import (
	"encoding/binary"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Writer is a single-producer, append-only WAL appender. Every Put/Delete
// writes its full record, then flushes to the OS before returning — per
// spec.md §4.4, durability of each record is established before the facade
// is allowed to mutate the in-memory index.
//
// Writer performs no internal locking: spec.md §5 makes the memtable
// facade responsible for serializing concurrent callers onto one Writer.
type Writer struct {
	file *os.File
	log  *zap.Logger
}

// OpenWriter creates or truncates the file at path for appending.
func OpenWriter(path string, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %q: %w", path, err)
	}
	return &Writer{file: f, log: log}, nil
}

// Put appends a Put record and returns the number of bytes written.
func (w *Writer) Put(key, value string) (int, error) {
	buf := make([]byte, 0, 1+8+8+len(key)+len(value))
	buf = append(buf, byte(OpPut))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(key)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(value)))
	buf = append(buf, key...)
	buf = append(buf, value...)
	return w.writeAndFlush(buf)
}

// Delete appends a Delete record and returns the number of bytes written.
func (w *Writer) Delete(key string) (int, error) {
	buf := make([]byte, 0, 1+8+len(key))
	buf = append(buf, byte(OpDelete))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(key)))
	buf = append(buf, key...)
	return w.writeAndFlush(buf)
}

func (w *Writer) writeAndFlush(buf []byte) (int, error) {
	n, err := w.file.Write(buf)
	if err != nil {
		w.log.Error("wal: write failed", zap.Error(err), zap.Int("attempted", len(buf)), zap.Int("written", n))
		return n, fmt.Errorf("wal: write: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.log.Error("wal: flush failed", zap.Error(err))
		return n, fmt.Errorf("wal: flush: %w", err)
	}
	return n, nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close: %w", err)
	}
	return nil
}
