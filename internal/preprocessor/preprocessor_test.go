package preprocessor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/dupedog/internal/types"
)

func file(path string, size int64, dev, ino uint64, preferred bool) *types.FileInfo {
	return &types.FileInfo{
		Path:    path,
		Size:    size,
		Dev:     dev,
		Ino:     ino,
		ModTime: time.Unix(1000, 0),
		Flags:   types.Flags{Preferred: preferred},
	}
}

func TestRunDropsEmptyFilesAsLint(t *testing.T) {
	f := file("/a/empty", 0, 1, 1, false)
	result := Run([]*types.FileInfo{f}, Config{FindEmptyFiles: true})

	require.Len(t, result.OtherLint, 1)
	assert.Equal(t, types.LintEmptyFile, result.OtherLint[0].Lint)
	assert.Empty(t, result.Groups)
}

func TestRunWithFindEmptyFilesDisabledTreatsEmptyFilesAsCandidates(t *testing.T) {
	a := file("/a/empty", 0, 1, 1, false)
	b := file("/b/empty", 0, 2, 2, false)

	result := Run([]*types.FileInfo{a, b}, Config{FindEmptyFiles: false})

	assert.Empty(t, result.OtherLint, "with find-emptyfiles off, an empty file is an ordinary candidate, not lint")
	require.Len(t, result.Groups, 1)
	assert.Equal(t, 2, result.Groups[0].Len())
}

func TestRunFiltersByMinAndMaxSize(t *testing.T) {
	small := file("/a/small", 10, 1, 1, false)
	mid := file("/a/mid", 100, 1, 2, false)
	big := file("/a/big", 1000, 1, 3, false)

	result := Run([]*types.FileInfo{small, mid, big}, Config{MinSize: 50, MaxSize: 500})

	// Only "mid" survives the size window; a lone survivor never forms a
	// 2+ member candidate group, so Groups stays empty.
	assert.Empty(t, result.Groups)
	assert.Empty(t, result.OtherLint)
}

func TestRunGroupsFilesOfEqualSize(t *testing.T) {
	a := file("/a/one", 100, 1, 1, false)
	b := file("/b/two", 100, 1, 2, false)
	c := file("/c/three", 200, 1, 3, false)

	result := Run([]*types.FileInfo{a, b, c}, Config{})

	require.Len(t, result.Groups, 1)
	assert.Equal(t, 2, result.Groups[0].Len())
}

func TestFoldHardlinksCollapsesSameDevIno(t *testing.T) {
	a := file("/a/one", 100, 1, 42, false)
	b := file("/b/two", 100, 1, 42, false) // same (dev, ino): hardlinked to a
	c := file("/c/three", 100, 1, 43, false)

	result := Run([]*types.FileInfo{a, b, c}, Config{})

	// a and b fold into one sibling group (a hardlink cluster of 2); that
	// cluster and c's own single-member cluster share the same size, so
	// together they form one candidate group of 2 sibling groups.
	require.Len(t, result.Groups, 1)
	assert.Equal(t, 2, result.Groups[0].Len())

	// Exactly one of a/b keeps the other as its HardlinkRep (chain-selected
	// representative is the one without a HardlinkRep of its own).
	assert.True(t, a.HardlinkRep == b || b.HardlinkRep == a)
}

func TestFoldHardlinksSetsOuterLinksFromNlinkMinusClusterSize(t *testing.T) {
	a := file("/a/one", 100, 1, 42, false)
	b := file("/b/two", 100, 1, 42, false)
	a.Nlink, b.Nlink = 5, 5 // 5 links total, only 2 seen during traversal
	c := file("/c/three", 100, 1, 43, false)
	c.Nlink = 1

	Run([]*types.FileInfo{a, b, c}, Config{})

	assert.EqualValues(t, 3, a.OuterLinks, "5 links minus the 2 traversed members of this cluster")
	assert.EqualValues(t, 3, b.OuterLinks)
	assert.EqualValues(t, 0, c.OuterLinks, "singleton cluster: Nlink matches the traversed count exactly")
}

func TestFoldHardlinksFindHardlinkedDupesKeepsClusterUnrepresented(t *testing.T) {
	a := file("/a/one", 100, 1, 42, false)
	b := file("/b/two", 100, 1, 42, false)
	c := file("/c/three", 100, 9, 99, false)

	result := Run([]*types.FileInfo{a, b, c}, Config{FindHardlinkedDupes: true})

	require.Len(t, result.Groups, 1)
	assert.Nil(t, a.HardlinkRep)
	assert.Nil(t, b.HardlinkRep)
}

func TestMustMatchTaggedDropsGroupsWithNoPreferredMember(t *testing.T) {
	a := file("/a/one", 100, 1, 1, false)
	b := file("/b/two", 100, 2, 2, false)

	result := Run([]*types.FileInfo{a, b}, Config{MustMatchTagged: true})

	assert.Empty(t, result.Groups)
}

func TestMustMatchTaggedKeepsGroupsWithPreferredMember(t *testing.T) {
	a := file("/a/one", 100, 1, 1, true)
	b := file("/b/two", 100, 2, 2, false)

	result := Run([]*types.FileInfo{a, b}, Config{MustMatchTagged: true})

	require.Len(t, result.Groups, 1)
}

func TestUnmatchedBasenameDropsGroupsWhereAllMembersShareOneName(t *testing.T) {
	a := file("/a/same.txt", 100, 1, 1, false)
	b := file("/b/same.txt", 100, 2, 2, false)

	result := Run([]*types.FileInfo{a, b}, Config{UnmatchedBasename: true})

	assert.Empty(t, result.Groups, "a group where every member is named same.txt should be dropped")
}

func TestUnmatchedBasenameKeepsGroupsWithDifferingNames(t *testing.T) {
	a := file("/a/one.txt", 100, 1, 1, false)
	b := file("/b/two.txt", 100, 2, 2, false)

	result := Run([]*types.FileInfo{a, b}, Config{UnmatchedBasename: true})

	require.Len(t, result.Groups, 1)
}

func TestMatchExtensionRequiresSameExtension(t *testing.T) {
	a := file("/a/one.txt", 100, 1, 1, false)
	b := file("/b/two.txt", 100, 2, 2, false)
	c := file("/c/three.bin", 100, 3, 3, false)

	result := Run([]*types.FileInfo{a, b, c}, Config{MatchExtension: true})

	require.Len(t, result.Groups, 1)
	assert.Equal(t, 2, result.Groups[0].Len())
}

func TestMTimeWindowSplitsFarApartFiles(t *testing.T) {
	a := file("/a/one", 100, 1, 1, false)
	a.ModTime = time.Unix(0, 0)
	b := file("/b/two", 100, 2, 2, false)
	b.ModTime = time.Unix(10000, 0)

	result := Run([]*types.FileInfo{a, b}, Config{MTimeWindow: time.Minute})

	assert.Empty(t, result.Groups, "files 10000s apart shouldn't share a 1-minute mtime window")
}
