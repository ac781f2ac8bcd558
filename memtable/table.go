// Package memtable provides the thin facade spec.md §4.6 describes: it
// composes a write-ahead log (package wal) with a lock-free ordered index
// (package skiplist) so that every mutation is durable before it is
// visible to readers, and replayable after a crash.
package memtable

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bruisedsamurai/NoSQL/skiplist"
	"github.com/bruisedsamurai/NoSQL/wal"
)

// Interface is the seam the original source's `trait Memtable` names
// (src/memtable/src/lib.rs), preserved so an alternative index (e.g. a
// red-black tree) could stand in for the lock-free skip list without
// touching callers.
type Interface interface {
	Get(key string) (string, bool)
	Put(key, value string) error
	Delete(key string) error
}

// Table is the skip-list-backed Memtable implementation.
type Table struct {
	mu      sync.Mutex // serializes WAL append + index mutation (spec.md §5)
	log     *wal.Writer
	index   *skiplist.Skiplist
	walPath string
	zlog    *zap.Logger
	id      uuid.UUID
}

var _ Interface = (*Table)(nil)

// Open creates (or truncates) the WAL file at walPath and returns a fresh,
// empty Table backed by it. Use Recover to instead rebuild a Table's index
// from an existing WAL on restart.
func Open(walPath string, zlog *zap.Logger) (*Table, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	w, err := wal.OpenWriter(walPath, zlog)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	zlog.Debug("memtable: opened", zap.String("path", walPath), zap.String("id", id.String()))
	return &Table{
		log:     w,
		index:   skiplist.New(nil),
		walPath: walPath,
		zlog:    zlog,
		id:      id,
	}, nil
}

// Close closes the underlying WAL writer.
func (t *Table) Close() error {
	return t.log.Close()
}

// Len reports the number of live keys in the index.
func (t *Table) Len() int {
	return t.index.Len()
}

// hashKey maps an arbitrary byte-string key into the skip list's Key128
// keyspace with a stable, collision-acknowledging scheme (SPEC_FULL.md §9,
// Open Question #1): a SHA-256 digest truncated to its first 16 bytes,
// split into the high/low halves of a Key128.
func hashKey(key string) skiplist.Key128 {
	sum := sha256.Sum256([]byte(key))
	hi := int64(binary.BigEndian.Uint64(sum[0:8]))
	lo := binary.BigEndian.Uint64(sum[8:16])
	return skiplist.Key128{Hi: hi, Lo: lo}
}

// Get returns the current value for key, or ("", false) if absent. A
// missing key is not an error: spec.md §7 distinguishes log/IO errors from
// an absent-value read.
func (t *Table) Get(key string) (string, bool) {
	value, ok := t.index.Find(hashKey(key))
	if !ok {
		return "", false
	}
	return string(value), true
}

// Put appends a Put record to the WAL, flushes it, and only then mutates
// the index — append-then-mutate, enforced here per spec.md §9's
// resolution of the original source's ordering ambiguity. The skip list
// itself never overwrites an existing key (spec.md §4.3), so Put composes
// add-or-update by removing any existing entry before (re)inserting.
func (t *Table) Put(key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.log.Put(key, value); err != nil {
		return fmt.Errorf("memtable: put %q: %w", key, err)
	}

	k := hashKey(key)
	for !t.index.Add(k, []byte(value)) {
		t.index.Remove(k)
	}
	return nil
}

// Delete appends a Delete record to the WAL, flushes it, and only then
// removes key from the index. Deleting an absent key is not an error.
func (t *Table) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.log.Delete(key); err != nil {
		return fmt.Errorf("memtable: delete %q: %w", key, err)
	}

	t.index.Remove(hashKey(key))
	return nil
}

// Recover replays the WAL at path into a fresh index and installs it,
// implementing spec.md §2's "Recovery: log reader → replay into a fresh
// skip list." On corruption or I/O error it still installs everything
// successfully replayed before the error (a truncated log is a valid
// prefix, per spec.md §6) and returns the error so the caller can decide
// whether to accept that prefix.
func (t *Table) Recover(path string) error {
	r, err := wal.OpenReader(path)
	if err != nil {
		return fmt.Errorf("memtable: recover: %w", err)
	}
	defer r.Close()

	fresh := skiplist.New(nil)
	var replayErr error
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			replayErr = fmt.Errorf("memtable: recover: %w", err)
			break
		}
		switch rec.Op {
		case wal.OpPut:
			k := hashKey(rec.Key)
			for !fresh.Add(k, []byte(rec.Value)) {
				fresh.Remove(k)
			}
		case wal.OpDelete:
			fresh.Remove(hashKey(rec.Key))
		}
	}

	t.mu.Lock()
	t.index = fresh
	t.mu.Unlock()

	if replayErr != nil {
		t.zlog.Warn("memtable: recovered a truncated log", zap.Error(replayErr))
	}
	return replayErr
}
