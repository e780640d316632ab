package scanner

import (
	"os"
	"syscall"

	"github.com/ivoronin/dupedog/internal/pathtrie"
	"github.com/ivoronin/dupedog/internal/types"
)

// newFileInfo creates FileInfo from os.FileInfo and path, tagging it with
// the scan-time metadata (depth below its root, preferred/hidden flags) and
// interning it into trie when one was supplied via WithPathTrie.
func newFileInfo(path string, info os.FileInfo, depth int, preferred, hidden bool, trie *pathtrie.Trie) *types.FileInfo {
	stat := info.Sys().(*syscall.Stat_t)
	fi := &types.FileInfo{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Dev:     uint64(stat.Dev), //nolint:unconvert // platform-dependent type
		Ino:     stat.Ino,
		Nlink:   uint32(stat.Nlink),
		Depth:   depth,
		Flags:   types.Flags{Preferred: preferred, Hidden: hidden},
	}
	if trie != nil {
		fi.Node = trie.Intern(path)
	}
	return fi
}
