// Package types provides shared types used across the dupedog codebase.
package types

import (
	"cmp"
	"slices"
	"time"

	"github.com/ivoronin/dupedog/internal/pathtrie"
)

// Flags holds the small set of boolean tags attaches to a file
// record. Kept as individual bitwise-addressable bools rather than a single
// bitmask, favoring explicit named fields over
// packed flag words.
type Flags struct {
	Preferred        bool // path was tagged by the user as holding originals
	Hidden           bool // some path component starts with "."
	Symlink          bool // record refers to a symlink (normally filtered before here)
	New              bool // ModTime is newer than a configured threshold
	Original         bool // not set by any pipeline stage
	CachedExternally bool // digest was satisfied from the ext-attr cache
}

// PatternMatchCache remembers the result of each originals-criteria regex
// against this file's path/basename, keyed by the regex's position in the
// compiled pattern list (see internal/rank). A bit is valid once computed;
// this mirrors rank.c's RmPatternBitmask.
type PatternMatchCache struct {
	valid   uint32
	matched uint32
}

// Lookup returns (matched, ok); ok is false if idx was never computed.
func (c *PatternMatchCache) Lookup(idx int) (bool, bool) {
	bit := uint32(1) << uint(idx)
	if c.valid&bit == 0 {
		return false, false
	}
	return c.matched&bit != 0, true
}

// Set records the match result for regex idx.
func (c *PatternMatchCache) Set(idx int, matched bool) {
	bit := uint32(1) << uint(idx)
	c.valid |= bit
	if matched {
		c.matched |= bit
	} else {
		c.matched &^= bit
	}
}

// FileInfo holds metadata and pipeline state for one scanned file, the unit
// of work the whole pipeline operates on.
type FileInfo struct {
	// Identity
	Node *pathtrie.Node // interned parent+basename; nil only in unit tests that skip the trie
	Path string         // cached absolute path (pathtrie.BuildPath(Node), or set directly)

	Dev   uint64
	Ino   uint64
	Nlink uint32

	// OuterLinks is Nlink minus the number of hardlinks to this inode that
	// were actually observed during traversal (i.e. how many links exist
	// outside the scanned tree). Set by preprocessor.foldHardlinks once a
	// file's whole hardlink cluster is known; zero before that runs.
	OuterLinks int32

	ModTime time.Time

	// Size accounting
	Size          int64 // size at traversal time
	SkipStart     int64 // bytes clamped off the front
	SkipEnd       int64 // bytes clamped off the back
	HashOffset    int64 // bytes hashed so far
	SeekOffset    int64 // bytes read so far (>= HashOffset when a cache hit skipped hashing)

	Depth int // depth from the input root that matched this file

	Flags   Flags
	Lint    LintKind
	Pattern PatternMatchCache

	// HardlinkRep, if non-nil, points at the representative FileInfo that is
	// actually read/hashed on behalf of this file's hardlink cluster.
	// Nil for the representative itself.
	HardlinkRep *FileInfo
}

// EffectiveSize returns the size actually hashed, after start/end clamping.
// invariant: HashOffset <= SeekOffset <= EffectiveSize.
func (f *FileInfo) EffectiveSize() int64 {
	eff := f.Size - f.SkipStart - f.SkipEnd
	if eff < 0 {
		return 0
	}
	return eff
}

// Sorted is an ordered collection that maintains sort order by a key function.
// T is the element type, K is the comparable key type.
// Once constructed, items are guaranteed to be sorted by key.
type Sorted[T any, K cmp.Ordered] struct {
	items   []T
	keyFunc func(T) K
}

// NewSorted creates a sorted collection from items using keyFunc for ordering.
// Items are copied and sorted at construction time.
func NewSorted[T any, K cmp.Ordered](items []T, keyFunc func(T) K) Sorted[T, K] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	slices.SortFunc(sorted, func(a, b T) int {
		return cmp.Compare(keyFunc(a), keyFunc(b))
	})
	return Sorted[T, K]{items: sorted, keyFunc: keyFunc}
}

// Items returns the sorted items.
func (s Sorted[T, K]) Items() []T { return s.items }

// First returns the first item (smallest key), or zero value if empty.
func (s Sorted[T, K]) First() T {
	if len(s.items) == 0 {
		var zero T
		return zero
	}
	return s.items[0]
}

// Len returns the number of items.
func (s Sorted[T, K]) Len() int { return len(s.items) }

// SiblingGroup contains files sharing the same inode (hardlinks).
// Files are always sorted by Path for deterministic iteration.
type SiblingGroup = Sorted[*FileInfo, string]

// NewSiblingGroup creates a SiblingGroup sorted by file path.
func NewSiblingGroup(files []*FileInfo) SiblingGroup {
	return NewSorted(files, func(f *FileInfo) string { return f.Path })
}

// Representative returns the chain-selected original of a hardlink cluster:
// the one member whose HardlinkRep is nil because every other member in the
// group points at it (see preprocessor.foldHardlinks). Falls back to First()
// when no member's HardlinkRep was ever set — e.g. find-hardlinked-dupes
// leaves every member unrepresented, or the group has exactly one file.
func Representative(s SiblingGroup) *FileInfo {
	for _, f := range s.Items() {
		if f.HardlinkRep == nil {
			return f
		}
	}
	return s.First()
}

// CandidateGroup contains sibling groups with same size (potential duplicates).
// Sorted by first file's path in each sibling group.
type CandidateGroup = Sorted[SiblingGroup, string]

// NewCandidateGroup creates a CandidateGroup sorted by first file's path.
func NewCandidateGroup(siblings []SiblingGroup) CandidateGroup {
	return NewSorted(siblings, func(sg SiblingGroup) string { return sg.First().Path })
}

// CandidateGroups is a sorted collection of candidate groups.
type CandidateGroups = Sorted[CandidateGroup, string]

// NewCandidateGroups creates sorted CandidateGroups.
func NewCandidateGroups(groups []CandidateGroup) CandidateGroups {
	return NewSorted(groups, func(cg CandidateGroup) string {
		return cg.First().First().Path
	})
}

// DuplicateGroup contains sibling groups with identical content.
// Sorted by first file's path in each sibling group.
type DuplicateGroup = Sorted[SiblingGroup, string]

// NewDuplicateGroup creates a DuplicateGroup sorted by first file's path.
func NewDuplicateGroup(siblings []SiblingGroup) DuplicateGroup {
	return NewSorted(siblings, func(sg SiblingGroup) string { return sg.First().Path })
}

// DuplicateGroups is a sorted collection of duplicate groups.
type DuplicateGroups = Sorted[DuplicateGroup, string]

// NewDuplicateGroups creates sorted DuplicateGroups.
func NewDuplicateGroups(groups []DuplicateGroup) DuplicateGroups {
	return NewSorted(groups, func(dg DuplicateGroup) string {
		return dg.First().First().Path
	})
}

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
