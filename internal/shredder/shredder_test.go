package shredder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/dupedog/internal/digest"
	"github.com/ivoronin/dupedog/internal/types"
)

func writeTempFile(t *testing.T, dir, name, content string) *types.FileInfo {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	info, err := os.Stat(p)
	require.NoError(t, err)
	return &types.FileInfo{Path: p, Size: info.Size(), ModTime: info.ModTime()}
}

func candidateGroup(files ...*types.FileInfo) types.CandidateGroup {
	sibs := make([]types.SiblingGroup, 0, len(files))
	for _, f := range files {
		sibs = append(sibs, types.NewSiblingGroup([]*types.FileInfo{f}))
	}
	return types.NewCandidateGroup(sibs)
}

func TestReadRangeReadsRequestedWindow(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(p, []byte("0123456789"), 0o644))

	buf := make([]byte, 16)
	n, err := readRange(p, 3, 4, buf)

	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, "3456", string(buf[:n]))
}

func TestReadRangeStopsAtBufferCapacity(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(p, []byte("0123456789"), 0o644))

	buf := make([]byte, 3)
	n, err := readRange(p, 0, 100, buf)

	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "reading must not exceed the caller's buffer")
}

func TestReadRangeShortReadAtEOFIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(p, []byte("short"), 0o644))

	buf := make([]byte, 100)
	n, err := readRange(p, 0, 100, buf)

	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestReadRangeMissingFileReturnsError(t *testing.T) {
	buf := make([]byte, 16)
	_, err := readRange(filepath.Join(t.TempDir(), "missing"), 0, 4, buf)

	assert.Error(t, err)
}

func TestRunConfirmsIdenticalFilesAsOneDuplicateGroup(t *testing.T) {
	dir := t.TempDir()
	a := writeTempFile(t, dir, "a", "the quick brown fox")
	b := writeTempFile(t, dir, "b", "the quick brown fox")

	groups := []types.CandidateGroup{candidateGroup(a, b)}
	s := New(groups, Config{DigestKind: digest.MD5, ReadIncrement: 4, Workers: 2})

	result := s.Run()

	require.Equal(t, 1, result.Len())
	assert.Equal(t, 2, result.First().Len())
}

func TestRunSplitsGroupWhenContentDiverges(t *testing.T) {
	dir := t.TempDir()
	a := writeTempFile(t, dir, "a", "aaaaaaaaaaaaaaaaaaaa")
	b := writeTempFile(t, dir, "b", "bbbbbbbbbbbbbbbbbbbb")

	groups := []types.CandidateGroup{candidateGroup(a, b)}
	s := New(groups, Config{DigestKind: digest.MD5, ReadIncrement: 4, Workers: 2})

	result := s.Run()

	assert.Empty(t, result.Items(), "two files that never match on any increment should confirm nothing")
}

func TestRunWithNoGroupsReturnsEmptyResult(t *testing.T) {
	s := New(nil, Config{DigestKind: digest.MD5})

	result := s.Run()

	assert.Empty(t, result.Items())
}

func TestRunGeometricIncrementHandlesFilesLargerThanFirstStep(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i % 7)
	}
	a := writeTempFile(t, dir, "a", string(content))
	b := writeTempFile(t, dir, "b", string(content))

	groups := []types.CandidateGroup{candidateGroup(a, b)}
	s := New(groups, Config{DigestKind: digest.MD5, ReadIncrement: 8, MaxIncrement: 16, Workers: 2})

	result := s.Run()

	require.Equal(t, 1, result.Len())
	assert.Equal(t, 2, result.First().Len())
}

func TestNewAppliesDefaultsForUnsetConfig(t *testing.T) {
	s := New(nil, Config{})

	assert.Equal(t, int64(1<<20), s.cfg.ReadIncrement)
	assert.Equal(t, int64(1<<30), s.cfg.MaxIncrement)
	assert.Equal(t, 1, s.cfg.Workers)
}
