package treemerge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/dupedog/internal/types"
)

func file(path string, size int64, preferred bool) *types.FileInfo {
	return &types.FileInfo{Path: path, Size: size, ModTime: time.Unix(1000, 0), Flags: types.Flags{Preferred: preferred}}
}

func dupGroup(files ...*types.FileInfo) types.DuplicateGroup {
	sibs := make([]types.SiblingGroup, 0, len(files))
	for _, f := range files {
		sibs = append(sibs, types.NewSiblingGroup([]*types.FileInfo{f}))
	}
	return types.NewDuplicateGroup(sibs)
}

// twoFileDirs builds two directories ("/a/dir", "/b/dir") each holding two
// files, with every cross-directory file pair duplicating the other's
// content key, so the whole directory pair is eligible for promotion.
func twoFileDirs() (all []*types.FileInfo, m *Merger) {
	ax := file("/a/dir/x", 10, false)
	ay := file("/a/dir/y", 10, false)
	bx := file("/b/dir/x", 10, false)
	by := file("/b/dir/y", 10, false)
	all = []*types.FileInfo{ax, ay, bx, by}

	m = New(Config{})
	m.CountFiles(all)
	m.Feed(dupGroup(ax, bx), "k1")
	m.Feed(dupGroup(ay, by), "k2")
	return all, m
}

func TestFullyDuplicatedDirectoryPairIsPromoted(t *testing.T) {
	_, m := twoFileDirs()

	result := m.Finish()

	require.Len(t, result.DirGroups, 1)
	assert.Len(t, result.DirGroups[0].Dirs, 2)
	assert.Empty(t, result.LeftoverFiles.Items(), "both member files should be absorbed, not left over as individual duplicates")
}

func TestPromotedDirectoryGroupMarksExactlyOneOriginal(t *testing.T) {
	_, m := twoFileDirs()
	result := m.Finish()

	require.Len(t, result.DirGroups, 1)
	originals := 0
	for _, d := range result.DirGroups[0].Dirs {
		if d.IsOriginal {
			originals++
		}
	}
	assert.Equal(t, 1, originals)
}

func TestPartialDirectoryLeavesFilesUnpromoted(t *testing.T) {
	ax := file("/a/dir/x", 10, false)
	ay := file("/a/dir/y", 10, false) // never confirmed a duplicate
	bx := file("/b/dir/x", 10, false)

	m := New(Config{})
	m.CountFiles([]*types.FileInfo{ax, ay, bx})
	m.Feed(dupGroup(ax, bx), "k1")

	result := m.Finish()

	assert.Empty(t, result.DirGroups, "a directory with an unconfirmed file never reaches full dupeCount")
}

func TestKeepAllTaggedPrefersDirectoryWhereEveryFileIsPreferred(t *testing.T) {
	ax := file("/a/dir/x", 10, true)
	ay := file("/a/dir/y", 10, true)
	bx := file("/b/dir/x", 10, false)
	by := file("/b/dir/y", 10, false)
	all := []*types.FileInfo{ax, ay, bx, by}

	m := New(Config{KeepAllTagged: true})
	m.CountFiles(all)
	m.Feed(dupGroup(ax, bx), "k1")
	m.Feed(dupGroup(ay, by), "k2")

	result := m.Finish()

	require.Len(t, result.DirGroups, 1)
	for _, d := range result.DirGroups[0].Dirs {
		if d.Path == "/a" {
			assert.True(t, d.IsOriginal, "the fully-tagged directory should be kept as original")
		}
	}
}

func TestSingleUnmatchedDirectoryProducesNoGroup(t *testing.T) {
	ax := file("/a/dir/x", 10, false)
	all := []*types.FileInfo{ax}

	m := New(Config{})
	m.CountFiles(all)

	result := m.Finish()

	assert.Empty(t, result.DirGroups)
	assert.Empty(t, result.LeftoverFiles.Items())
}

func TestHonourDirLayoutDistinguishesDifferentBasenames(t *testing.T) {
	ax := file("/a/one/x", 10, false)
	bx := file("/b/two/x", 10, false)
	all := []*types.FileInfo{ax, bx}

	m := New(Config{HonourDirLayout: true})
	m.CountFiles(all)
	m.Feed(dupGroup(ax, bx), "k1")

	result := m.Finish()

	// Both single-file dirs have dupeCount==fileCount==1, so each
	// individually qualifies for promotion. Their digests fold in the same
	// file basename "x", so /a/one and /b/two share a bucket; one level up,
	// /a and /b fold in "one" and "two" respectively, so their digests
	// differ and the parents are not grouped. The one group is the leaf pair.
	require.Len(t, result.DirGroups, 1)
	assert.Len(t, result.DirGroups[0].Dirs, 2)
}
