// Package treemerge implements the directory-tree merger:
// once a directory's files are all confirmed duplicates of files elsewhere,
// promote the whole directory to a single duplicate-directory record instead
// of reporting each file individually.
//
// Grounded on original_source/lib/treemerge.c's rm_tm_feed/rm_directory_add/
// rm_directory_add_subdir/rm_tm_cluster_up/rm_tm_extract pipeline: a
// file-count pre-pass, incremental dupe_count accumulation as confirmed
// duplicates arrive, promotion to the parent once a directory is full, and a
// cumulative order-independent digest (there FNV-XOR of each file's content
// hash; here FNV-XOR of a stable per-duplicate-set token) used as a fast
// pre-filter before an exact hash-set comparison.
package treemerge

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ivoronin/dupedog/internal/rank"
	"github.com/ivoronin/dupedog/internal/types"
)

// Config holds the options this stage consumes.
type Config struct {
	HonourDirLayout   bool // fold basenames into the cumulative digest, requiring identical layout
	KeepAllTagged     bool
	KeepAllUntagged   bool
	WriteUnfinished   bool
	PartialHidden     bool // drop dotted-basename directories from promoted groups and hidden files from leftover groups
	RankBy            *rank.Chain
	PathPriority      []string
}

// directory is its promotion unit, one node of the tree being
// built bottom-up from confirmed duplicate files.
type directory struct {
	path  string
	depth int

	fileCount      int // total regular files under this directory (pre-pass)
	dupeCount      int // confirmed-duplicate files folded in so far
	preferredFiles int
	mergeUps       int

	finished        bool
	wasMerged       bool
	wasInserted     bool
	dupeExtracted   bool

	digest  uint64
	hashSet map[string]struct{}

	knownFiles []*types.FileInfo
	knownKeys  []string // contentKey parallel to knownFiles, for leftover regrouping
	children   []*directory

	modTime time.Time
	dev     uint64
	ino     uint64
}

func newDirectory(path string, fileCount int) *directory {
	return &directory{path: path, depth: strings.Count(path, "/"), fileCount: fileCount, hashSet: make(map[string]struct{})}
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func (d *directory) add(f *types.FileInfo, contentKey string, honourLayout bool) {
	d.digest ^= fnvHash(contentKey)
	if honourLayout {
		d.digest ^= fnvHash(filepath.Base(f.Path))
	}
	d.hashSet[contentKey] = struct{}{}
	d.dupeCount++
	if f.Flags.Preferred {
		d.preferredFiles++
	}
	d.knownFiles = append(d.knownFiles, f)
	d.knownKeys = append(d.knownKeys, contentKey)
	d.modTime, d.dev, d.ino = f.ModTime, f.Dev, f.Ino
}

func (d *directory) addSubdir(sub *directory, honourLayout bool) {
	if sub.wasMerged {
		return
	}
	d.mergeUps = sub.mergeUps + d.mergeUps + 1
	d.dupeCount += sub.dupeCount
	d.preferredFiles += sub.preferredFiles
	d.children = append(d.children, sub)

	for k := range sub.hashSet {
		d.hashSet[k] = struct{}{}
	}
	d.digest ^= sub.digest
	if honourLayout {
		d.digest ^= fnvHash(filepath.Base(sub.path))
	}
	sub.wasMerged = true
}

func (d *directory) totalSize() int64 {
	var acc int64
	for _, f := range d.knownFiles {
		acc += f.EffectiveSize()
	}
	for _, c := range d.children {
		acc += c.totalSize()
	}
	return acc
}

func (d *directory) markFinished() {
	if d.finished {
		return
	}
	d.finished = true
	for _, c := range d.children {
		c.markFinished()
	}
}

func (d *directory) markOriginal() {
	d.finished = false
	for _, c := range d.children {
		c.markOriginal()
	}
}

func (d *directory) countPreferred() int {
	acc := 0
	for _, f := range d.knownFiles {
		if f.Flags.Preferred {
			acc++
		}
	}
	for _, c := range d.children {
		acc += c.countPreferred()
	}
	return acc
}

func (d *directory) allKnownFiles() []*types.FileInfo {
	out := append([]*types.FileInfo(nil), d.knownFiles...)
	for _, c := range d.children {
		out = append(out, c.allKnownFiles()...)
	}
	return out
}

// exactKey is the true equality test behind the fast digest/dupeCount
// bucketing: two directories are the same promotion candidate only if they
// hold the exact same set of content keys.
func (d *directory) exactKey() string {
	keys := make([]string, 0, len(d.hashSet))
	for k := range d.hashSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%d|%s", d.dupeCount, strings.Join(keys, ","))
}

func basename(path string) string {
	return filepath.Base(path)
}

// Dir is the exported record for a promoted duplicate directory.
type Dir struct {
	Path       string
	Depth      int
	Size       int64
	ModTime    time.Time
	Dev, Ino   uint64
	IsOriginal bool
	DupeCount  int64
}

// DirGroup is one set of directories promoted together because they're
// fully duplicated copies of each other.
type DirGroup struct {
	Dirs []Dir
}

// Result is treemerge's output: promoted directory groups, "part of
// directory" records for the files inside them, and any leftover files that
// could not be grouped into a promoted directory.
type Result struct {
	DirGroups       []DirGroup
	PartOfDirectory []*types.FileInfo
	LeftoverFiles   types.DuplicateGroups
}

// Merger accumulates confirmed-duplicate files into a directory tree and
// promotes fully-duplicated directories once Finish is called.
type Merger struct {
	cfg Config

	dirs   map[string]*directory
	counts map[string]int
	valid  []*directory

	buckets map[string][]*directory
}

// New creates a Merger.
func New(cfg Config) *Merger {
	return &Merger{
		cfg:     cfg,
		dirs:    make(map[string]*directory),
		counts:  make(map[string]int),
		buckets: make(map[string][]*directory),
	}
}

// CountFiles is the file-count pre-pass (step 1): tally, for
// every ancestor directory of every regular file the traversal saw
// (duplicate or not), how many files it directly or transitively contains.
// Callers pass every scanned FileInfo, not just confirmed duplicates.
func (m *Merger) CountFiles(all []*types.FileInfo) {
	for _, f := range all {
		for dir := filepath.Dir(f.Path); ; dir = filepath.Dir(dir) {
			m.counts[dir]++
			if dir == "/" || dir == "." {
				break
			}
		}
	}
}

// Feed folds one confirmed duplicate group into the tree (step
// 2). contentKey must be a token stable across all members of dg and unique
// to its content (the caller typically derives this from the group's
// position in the shredder's output).
func (m *Merger) Feed(dg types.DuplicateGroup, contentKey string) {
	for _, sg := range dg.Items() {
		for _, f := range sg.Items() {
			m.feedFile(f, contentKey)
		}
	}
}

func (m *Merger) feedFile(f *types.FileInfo, contentKey string) {
	dirPath := filepath.Dir(f.Path)

	dir, ok := m.dirs[dirPath]
	if !ok {
		count := m.counts[dirPath]
		if count == 0 {
			count = -1 // empty/unknown directory: never eligible for promotion
		}
		dir = newDirectory(dirPath, count)
		m.dirs[dirPath] = dir
		m.valid = append(m.valid, dir)
	}

	dir.add(f, contentKey, m.cfg.HonourDirLayout)

	if dir.dupeCount == dir.fileCount && dir.fileCount > 0 {
		m.insertResult(dir)
	}
}

func (m *Merger) insertResult(dir *directory) {
	if dir.wasInserted {
		return
	}
	dir.wasInserted = true
	key := fmt.Sprintf("%x|%s", dir.digest, dir.exactKey())
	m.buckets[key] = append(m.buckets[key], dir)
}

func (m *Merger) clusterUp(dir *directory) {
	parentPath := filepath.Dir(dir.path)
	isRoot := parentPath == "/" || parentPath == "."

	parent, ok := m.dirs[parentPath]
	if !ok {
		count := m.counts[parentPath]
		if count == 0 {
			count = -1
		}
		parent = newDirectory(parentPath, count)
		m.dirs[parentPath] = parent
	}

	parent.addSubdir(dir, m.cfg.HonourDirLayout)

	if parent.dupeCount == parent.fileCount && parent.fileCount > 0 {
		m.insertResult(parent)
		if !isRoot {
			m.clusterUp(parent)
		}
	}
}

// Finish runs the cluster-up and extract phases (steps 3-4) and
// returns the promoted directory groups plus any files that couldn't be
// promoted.
func (m *Merger) Finish() Result {
	sort.SliceStable(m.valid, func(i, j int) bool { return m.valid[i].depth > m.valid[j].depth })
	for _, d := range m.valid {
		m.clusterUp(d)
	}
	return m.extract()
}

func (m *Merger) extract() Result {
	var groups []DirGroup
	var partOfDir []*types.FileInfo

	bucketList := make([][]*directory, 0, len(m.buckets))
	for _, b := range m.buckets {
		bucketList = append(bucketList, b)
	}
	sort.Slice(bucketList, func(i, j int) bool {
		a, b := bucketList[i], bucketList[j]
		if len(a) == 0 || len(b) == 0 {
			return len(b) < len(a)
		}
		return a[0].mergeUps > b[0].mergeUps
	})

	for _, dirList := range bucketList {
		if len(dirList) < 2 {
			continue
		}

		sort.SliceStable(dirList, func(i, j int) bool { return dirList[i].depth < dirList[j].depth })

		if m.cfg.PartialHidden {
			dirList = filterHidden(dirList)
		}

		var resultDirs []*directory
		for _, d := range dirList {
			if !d.finished {
				d.markFinished()
				resultDirs = append(resultDirs, d)
			}
		}
		if len(resultDirs) < 2 {
			continue
		}

		sort.SliceStable(resultDirs, func(i, j int) bool {
			return m.compareOriginals(resultDirs[i], resultDirs[j]) < 0
		})

		group := DirGroup{}
		for i, d := range resultDirs {
			m.extractPartOfDir(d, &partOfDir)

			isOriginal := false
			if i == 0 {
				isOriginal = true
				d.markOriginal()
			} else {
				preferred := d.countPreferred()
				if preferred == int(d.dupeCount) && m.cfg.KeepAllTagged {
					isOriginal = true
				} else if preferred == 0 && m.cfg.KeepAllUntagged {
					isOriginal = true
				}
			}

			group.Dirs = append(group.Dirs, Dir{
				Path: d.path, Depth: d.depth, Size: d.totalSize(),
				ModTime: d.modTime, Dev: d.dev, Ino: d.ino,
				IsOriginal: isOriginal, DupeCount: int64(d.dupeCount),
			})

			if m.cfg.WriteUnfinished {
				for _, f := range d.allKnownFiles() {
					f.Lint = types.LintUnique
				}
			}
		}
		groups = append(groups, group)
	}

	leftover := m.forwardUnresolved()
	return Result{DirGroups: groups, PartOfDirectory: partOfDir, LeftoverFiles: leftover}
}

func (m *Merger) extractPartOfDir(d *directory, out *[]*types.FileInfo) {
	if d.dupeExtracted {
		return
	}
	d.dupeExtracted = true
	for _, f := range d.knownFiles {
		copy := *f
		copy.Lint = types.LintPartOfDirectory
		*out = append(*out, &copy)
	}
	for _, c := range d.children {
		m.extractPartOfDir(c, out)
	}
}

// compareOriginals orders result directories so the original sorts first:
// preferred-file count first (direction controlled by keep-all-untagged,
// mirroring rm_tm_sort_orig_criteria), then the rank chain applied to each
// directory's path as if it were a file.
func (m *Merger) compareOriginals(a, b *directory) int {
	if a.preferredFiles != b.preferredFiles {
		if m.cfg.KeepAllUntagged {
			return a.preferredFiles - b.preferredFiles
		}
		return b.preferredFiles - a.preferredFiles
	}
	if m.cfg.RankBy == nil {
		return a.depth - b.depth
	}
	fa := &types.FileInfo{Path: a.path, ModTime: a.modTime, Depth: a.depth, Dev: a.dev, Ino: a.ino}
	fb := &types.FileInfo{Path: b.path, ModTime: b.modTime, Depth: b.depth, Dev: b.dev, Ino: b.ino}
	return m.cfg.RankBy.Compare(fa, fb, m.pathIndexer())
}

func (m *Merger) pathIndexer() rank.PathIndexer {
	if len(m.cfg.PathPriority) == 0 {
		return nil
	}
	return func(f *types.FileInfo) int {
		for i, root := range m.cfg.PathPriority {
			if strings.HasPrefix(f.Path, root) {
				return i
			}
		}
		return len(m.cfg.PathPriority)
	}
}

func filterHidden(dirs []*directory) []*directory {
	out := make([]*directory, 0, len(dirs))
	for _, d := range dirs {
		if strings.HasPrefix(basename(d.path), ".") {
			continue
		}
		out = append(out, d)
	}
	return out
}

// forwardUnresolved collects every file left over in directories that never
// got promoted (or whose ancestor directory was promoted instead) and
// regroups them by content key, so unresolved duplicates still get reported
// individually (step 4, "residual duplicates").
func (m *Merger) forwardUnresolved() types.DuplicateGroups {
	byKey := make(map[string][]*types.FileInfo)
	for _, d := range m.dirs {
		if d.wasMerged {
			continue // its files were already absorbed by its parent
		}
		m.forwardDir(d, byKey)
	}

	var groups []types.DuplicateGroup
	for _, files := range byKey {
		if m.cfg.PartialHidden {
			files = filterHiddenFiles(files)
		}
		if len(files) < 2 {
			continue
		}
		sibGroups := make([]types.SiblingGroup, 0, len(files))
		for _, f := range files {
			sibGroups = append(sibGroups, types.NewSiblingGroup([]*types.FileInfo{f}))
		}
		groups = append(groups, types.NewDuplicateGroup(sibGroups))
	}
	return types.NewDuplicateGroups(groups)
}

func (m *Merger) forwardDir(d *directory, byKey map[string][]*types.FileInfo) {
	if d.finished {
		return
	}
	d.finished = true
	for i, f := range d.knownFiles {
		byKey[d.knownKeys[i]] = append(byKey[d.knownKeys[i]], f)
	}
	for _, c := range d.children {
		m.forwardDir(c, byKey)
	}
}

func filterHiddenFiles(files []*types.FileInfo) []*types.FileInfo {
	out := make([]*types.FileInfo, 0, len(files))
	for _, f := range files {
		if f.Flags.Hidden {
			continue
		}
		out = append(out, f)
	}
	return out
}
