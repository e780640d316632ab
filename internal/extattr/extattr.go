// Package extattr implements the extended-attribute digest cache:
// a (digest, mtime) pair persisted per file and consulted
// before hashing, invalidated whenever the stored mtime no longer matches
// the file's current one.
//
// XattrStore is grounded on github.com/pkg/xattr, which none of the
// teacher's packages used but which other_examples/ shows is the
// ecosystem's standard way to read/write POSIX extended attributes.
// BoltStore reuses that same BoltDB plumbing as a persistent,
// explicitly-invalidated store for filesystems that don't support extended
// attributes (network shares, some FUSE backends) — see DESIGN.md.
package extattr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pkg/xattr"
)

const attrPrefix = "user.dupedog."

// Entry is one cached digest record.
type Entry struct {
	DigestHex string
	ModTime   time.Time
}

// Store is the contract the shredder consults before and after hashing a
// file in full: Read before, Write after a confirming finish,
// Clear on mtime mismatch.
type Store interface {
	Read(path, kind string) (Entry, bool, error)
	Write(path, kind, digestHex string, modTime time.Time) error
	Clear(path string) error
	Close() error
}

// XattrStore persists entries directly on the file's own extended
// attributes, one per digest kind, named "user.dupedog.<kind>".
type XattrStore struct{}

// NewXattrStore returns a Store backed by the filesystem's own extended
// attributes.
func NewXattrStore() *XattrStore { return &XattrStore{} }

func (*XattrStore) attrName(kind string) string { return attrPrefix + kind }

// Read returns the cached entry for (path, kind), if present and well
// formed. Value format is "<mtimeUnixNano>:<digesthex>".
func (s *XattrStore) Read(path, kind string) (Entry, bool, error) {
	data, err := xattr.Get(path, s.attrName(kind))
	if err != nil {
		if xattr.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}

	parts := strings.SplitN(string(data), ":", 2)
	if len(parts) != 2 {
		return Entry{}, false, nil
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, false, nil
	}
	return Entry{DigestHex: parts[1], ModTime: time.Unix(0, nanos)}, true, nil
}

// Write stores the digest under the file's own extended attributes.
func (s *XattrStore) Write(path, kind, digestHex string, modTime time.Time) error {
	value := fmt.Sprintf("%d:%s", modTime.UnixNano(), digestHex)
	return xattr.Set(path, s.attrName(kind), []byte(value))
}

// Clear removes every dupedog attribute from path, used when any kind's
// cached mtime stops matching the file's current one.
func (s *XattrStore) Clear(path string) error {
	names, err := xattr.List(path)
	if err != nil {
		if xattr.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, name := range names {
		if !strings.HasPrefix(name, attrPrefix) {
			continue
		}
		if err := xattr.Remove(path, name); err != nil && !xattr.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close is a no-op: XattrStore holds no persistent handle.
func (*XattrStore) Close() error { return nil }

const boltBucket = "extattr"

// BoltStore is the fallback cache for filesystems without extended
// attribute support, keyed by (path, kind) instead of living on the file
// itself.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a persistent BoltDB-backed
// store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open extattr fallback cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func boltKey(path, kind string) []byte {
	return []byte(path + "\x00" + kind)
}

// Read returns the cached entry for (path, kind).
func (s *BoltStore) Read(path, kind string) (Entry, bool, error) {
	var entry Entry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		data := b.Get(boltKey(path, kind))
		if data == nil {
			return nil
		}
		parts := strings.SplitN(string(data), ":", 2)
		if len(parts) != 2 {
			return nil
		}
		nanos, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil
		}
		entry = Entry{DigestHex: parts[1], ModTime: time.Unix(0, nanos)}
		found = true
		return nil
	})
	return entry, found, err
}

// Write stores the digest under (path, kind).
func (s *BoltStore) Write(path, kind, digestHex string, modTime time.Time) error {
	value := fmt.Sprintf("%d:%s", modTime.UnixNano(), digestHex)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put(boltKey(path, kind), []byte(value))
	})
}

// Clear removes every kind's entry for path. BoltDB has no prefix delete,
// so this does a bounded scan over the (rare) handful of digest kinds.
func (s *BoltStore) Clear(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		c := b.Cursor()
		prefix := []byte(path + "\x00")
		var stale [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying BoltDB handle.
func (s *BoltStore) Close() error { return s.db.Close() }
