// Package digest implements progressive, incremental hashing: Update can be
// called repeatedly as more of a file is read, with Snapshot returning the
// digest-so-far at any point without disturbing further updates. Each file's
// digest is an owned value so that the shredder's joiner only ever needs
// cheap snapshot copies, never shared mutable state, to compare groups for a
// split.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-metro"
	"github.com/minio/highwayhash"
	"golang.org/x/crypto/blake2b"
)

// Kind names the algorithm, matching its `digest` config values.
type Kind string

const (
	MD5      Kind = "md5"
	SHA1     Kind = "sha1"
	SHA256   Kind = "sha256"
	SHA512   Kind = "sha512"
	Blake2b  Kind = "blake2b"
	Highway  Kind = "highway"
	Metro    Kind = "metro"
	XXH3     Kind = "xxh3"
	Paranoid Kind = "paranoid"
)

// Digest is the progressive hashing trait. Implementations must support
// repeated Update calls interleaved with Snapshot calls (the shredder reads
// a snapshot after every increment without stopping the digest).
type Digest interface {
	Update(p []byte)
	Snapshot() []byte
	Clone() Digest
	// Equal compares two snapshots produced by digests of the same Kind.
	// For ordinary hashes this is byte equality; Paranoid overrides nothing
	// (it stores raw bytes, so byte equality already means "same content").
	Equal(a, b []byte) bool
}

// New constructs a fresh, empty digest of the given kind.
func New(kind Kind) (Digest, error) {
	switch kind {
	case MD5:
		return newHashDigest(md5.New), nil
	case SHA1:
		return newHashDigest(sha1.New), nil
	case SHA256:
		return newHashDigest(sha256.New), nil
	case SHA512:
		return newHashDigest(sha512.New), nil
	case Blake2b:
		return newHashDigest(func() hash.Hash {
			h, _ := blake2b.New512(nil)
			return h
		}), nil
	case Highway:
		var key [32]byte // fixed key: we need reproducibility across runs, not MAC security
		return newHashDigest(func() hash.Hash {
			h, _ := highwayhash.New64(key[:])
			return h
		}), nil
	case Metro:
		return &metroDigest{}, nil
	case XXH3:
		// The xxh3 kind is computed as XXH64 (cespare/xxhash), not XXH3.
		return newHashDigest(func() hash.Hash { return xxhash.New() }), nil
	case Paranoid:
		return &paranoidDigest{}, nil
	default:
		return nil, fmt.Errorf("unknown digest kind %q", kind)
	}
}

// hashDigest adapts the stdlib/x/crypto hash.Hash interface to the Digest
// trait. Clone cannot simply copy the hash.Hash value (most implementations
// hold internal slices/pointers that would alias), so it keeps a factory and
// every byte fed so far, and replays them into a freshly constructed hash on
// Clone. This trades memory for a Clone that works uniformly across every
// hash.Hash implementation without depending on internal state layout.
type hashDigest struct {
	newHash func() hash.Hash
	h       hash.Hash
	fed     []byte
}

func newHashDigest(newHash func() hash.Hash) *hashDigest {
	return &hashDigest{newHash: newHash, h: newHash()}
}

func (d *hashDigest) Update(p []byte) {
	d.h.Write(p)
	d.fed = append(d.fed, p...)
}

func (d *hashDigest) Snapshot() []byte {
	return d.h.Sum(nil)
}

func (d *hashDigest) Clone() Digest {
	clone := &hashDigest{newHash: d.newHash, h: d.newHash(), fed: append([]byte(nil), d.fed...)}
	clone.h.Write(clone.fed)
	return clone
}

func (d *hashDigest) Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// metroDigest wraps metro.Hash128, which is a pure function of the full
// input rather than an incremental hash.Hash, so state is kept as the
// concatenation of bytes seen so far.
type metroDigest struct {
	buf []byte
}

func (d *metroDigest) Update(p []byte) { d.buf = append(d.buf, p...) }

func (d *metroDigest) Snapshot() []byte {
	lo, hi := metro.Hash128(d.buf, 0)
	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[i] = byte(lo >> (8 * i))
		out[8+i] = byte(hi >> (8 * i))
	}
	return out
}

func (d *metroDigest) Clone() Digest {
	return &metroDigest{buf: append([]byte(nil), d.buf...)}
}

func (d *metroDigest) Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// paranoidDigest implements the "paranoid" variant: the
// digest state IS the file's bytes, so equality is exact bytewise memcmp.
// This gives certainty at the cost of memory: each digest holds every byte
// hashed so far, and no buffer budget bounds it.
type paranoidDigest struct {
	buf []byte
}

func (d *paranoidDigest) Update(p []byte) { d.buf = append(d.buf, p...) }

func (d *paranoidDigest) Snapshot() []byte { return d.buf }

func (d *paranoidDigest) Clone() Digest {
	return &paranoidDigest{buf: append([]byte(nil), d.buf...)}
}

func (d *paranoidDigest) Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
