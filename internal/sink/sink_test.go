package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/dupedog/internal/treemerge"
	"github.com/ivoronin/dupedog/internal/types"
)

func TestGroupFromTypesPicksOrigAndSkipsItFromDuplicates(t *testing.T) {
	orig := &types.FileInfo{Path: "/a/orig", Size: 100}
	dup1 := &types.FileInfo{Path: "/b/dup1", Size: 100}
	dup2 := &types.FileInfo{Path: "/c/dup2", Size: 100}

	sg := types.NewSiblingGroup([]*types.FileInfo{orig, dup1, dup2})
	dg := types.NewDuplicateGroup([]types.SiblingGroup{sg})

	g := GroupFromTypes(dg, orig)

	assert.Equal(t, "/a/orig", g.Original)
	assert.ElementsMatch(t, []string{"/b/dup1", "/c/dup2"}, g.Duplicates)
	assert.Equal(t, int64(100), g.Size)
}

func TestJSONSinkEncodesLintRecord(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONSink(&buf)

	require.NoError(t, s.Lint(Record{Path: "/a/empty", Kind: types.LintEmptyFile, Size: 0}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "lint", got["type"])
	assert.Equal(t, "/a/empty", got["path"])
	assert.Equal(t, "empty-file", got["lint"])
	_, hasSize := got["size"] // omitempty drops a zero size
	assert.False(t, hasSize)
}

func TestJSONSinkEncodesDuplicateRecord(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONSink(&buf)

	require.NoError(t, s.Duplicates(Group{Original: "/a/one", Duplicates: []string{"/b/two"}, Size: 1024}))

	var got jsonRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "duplicate", got.Type)
	assert.Equal(t, "/a/one", got.Original)
	assert.Equal(t, []string{"/b/two"}, got.Duplicates)
	assert.Equal(t, int64(1024), got.Size)
}

func TestJSONSinkEncodesDuplicateDirectoryRecord(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONSink(&buf)

	mtime := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.DuplicateDirectory(treemerge.Dir{Path: "/a/dir", Size: 4096, ModTime: mtime}, true))

	var got jsonRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "duplicate_dir", got.Type)
	require.NotNil(t, got.Dir)
	assert.Equal(t, "/a/dir", got.Dir.Path)
	assert.True(t, got.Dir.IsOriginal)
	assert.True(t, mtime.Equal(got.Dir.ModTime))
}

func TestJSONSinkWritesOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONSink(&buf)

	require.NoError(t, s.Lint(Record{Path: "/a", Kind: types.LintEmptyFile}))
	require.NoError(t, s.Lint(Record{Path: "/b", Kind: types.LintEmptyDir}))

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestTextSinkFormatsLintWithHumanSize(t *testing.T) {
	var buf bytes.Buffer
	s := NewTextSink(&buf)

	require.NoError(t, s.Lint(Record{Path: "/a/empty", Kind: types.LintEmptyFile, Size: 1048576}))

	assert.Contains(t, buf.String(), "/a/empty")
	assert.Contains(t, buf.String(), "empty-file")
	assert.Contains(t, buf.String(), "1.0 MiB")
}

func TestTextSinkFormatsDuplicatesWithOriginalFirst(t *testing.T) {
	var buf bytes.Buffer
	s := NewTextSink(&buf)

	require.NoError(t, s.Duplicates(Group{Original: "/a/one", Duplicates: []string{"/b/two", "/c/three"}, Size: 10}))

	out := buf.String()
	origLine := bytes.IndexByte([]byte(out), '\n')
	require.Greater(t, origLine, 0)
	assert.Contains(t, out[:origLine], "/a/one")
	assert.Contains(t, out, "== /b/two")
	assert.Contains(t, out, "== /c/three")
}

func TestTextSinkMarksOriginalDirectoryDifferently(t *testing.T) {
	var buf bytes.Buffer
	s := NewTextSink(&buf)

	require.NoError(t, s.DuplicateDirectory(treemerge.Dir{Path: "/a/dir", Size: 10}, true))
	require.NoError(t, s.DuplicateDirectory(treemerge.Dir{Path: "/b/dir", Size: 10}, false))

	out := buf.String()
	assert.Contains(t, out, "<> /a/dir/")
	assert.Contains(t, out, "== /b/dir/")
}

// failingSink errs on every call, letting MultiSink's fan-out short-circuit
// be tested without a real writer failure.
type failingSink struct {
	calls int
}

func (f *failingSink) Lint(Record) error                              { f.calls++; return errors.New("boom") }
func (f *failingSink) Duplicates(Group) error                         { f.calls++; return errors.New("boom") }
func (f *failingSink) DuplicateDirectory(treemerge.Dir, bool) error    { f.calls++; return errors.New("boom") }
func (f *failingSink) Close() error                                   { f.calls++; return errors.New("boom") }

func TestMultiSinkForwardsToEverySink(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	m := NewMultiSink(NewJSONSink(&buf1), NewTextSink(&buf2))

	require.NoError(t, m.Lint(Record{Path: "/a", Kind: types.LintEmptyFile}))

	assert.NotEmpty(t, buf1.String())
	assert.NotEmpty(t, buf2.String())
}

func TestMultiSinkStopsAtFirstFailingSink(t *testing.T) {
	first := &failingSink{}
	second := &failingSink{}
	m := NewMultiSink(first, second)

	err := m.Lint(Record{Path: "/a"})

	require.Error(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls, "a failing sink should short-circuit the rest of the fan-out")
}

func TestMultiSinkCloseClosesEverySink(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	m := NewMultiSink(NewJSONSink(&buf1), NewTextSink(&buf2))

	assert.NoError(t, m.Close())
}
