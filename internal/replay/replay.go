// Package replay implements replay mode:
// reload a previously emitted line-delimited JSON report and re-validate it
// against the *current* configuration, rather than re-reading the
// filesystem and re-hashing everything.
//
// Grounded on original_source/lib/replay.c's RmParrot: that reader walks a
// flat per-file JSON array and re-checks each file against size/hidden/
// permission/path/depth filters before regrouping by digest. Our JSON sink
// already writes one record per confirmed group/lint entry/directory rather
// than per file (internal/sink.JSONSink), so replay's job simplifies to
// re-validating each record's member paths against the current filters and
// dropping any group that falls below two surviving members — the
// per-record equivalent of RmParrot's rm_parrot_check_* gauntlet.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ivoronin/dupedog/internal/sink"
	"github.com/ivoronin/dupedog/internal/treemerge"
	"github.com/ivoronin/dupedog/internal/types"
)

// Filter re-checks one path against the current run's configuration,
// mirroring rm_parrot_check_size/check_hidden/check_permissions/check_path.
type Filter struct {
	MinSize, MaxSize int64
	IgnoreHidden     bool
	PathPriority     []string // at least one must prefix the path, else reject
	Permissions      func(path string) bool
}

func (f Filter) accepts(path string, size int64) bool {
	if f.MinSize > 0 && size < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && size > f.MaxSize {
		return false
	}
	if f.IgnoreHidden && isHidden(path) {
		return false
	}
	if len(f.PathPriority) > 0 {
		matched := false
		for _, root := range f.PathPriority {
			if strings.HasPrefix(path, root) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.Permissions != nil && !f.Permissions(path) {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return true
}

func isHidden(path string) bool {
	for _, part := range strings.Split(path, "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != "" {
			return true
		}
	}
	return false
}

type jsonRecord struct {
	Type       string   `json:"type"`
	Path       string   `json:"path,omitempty"`
	Lint       string   `json:"lint,omitempty"`
	Size       int64    `json:"size,omitempty"`
	Original   string   `json:"original,omitempty"`
	Duplicates []string `json:"duplicates,omitempty"`
	Dir        *struct {
		Path       string    `json:"path"`
		Size       int64     `json:"size"`
		ModTime    time.Time `json:"mtime"`
		IsOriginal bool      `json:"is_original"`
	} `json:"directory,omitempty"`
}

// Replay reads a previously emitted JSON report from r, re-validates every
// record against filter, and forwards survivors to out.
func Replay(r io.Reader, filter Filter, out sink.Sink) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec jsonRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("replay: malformed record: %w", err)
		}

		switch rec.Type {
		case "lint":
			if !filter.accepts(rec.Path, rec.Size) {
				continue
			}
			if err := out.Lint(sink.Record{Path: rec.Path, Kind: lintKindFromString(rec.Lint), Size: rec.Size}); err != nil {
				return err
			}

		case "duplicate":
			survivors := make([]string, 0, len(rec.Duplicates))
			for _, d := range rec.Duplicates {
				if filter.accepts(d, rec.Size) {
					survivors = append(survivors, d)
				}
			}
			originalOK := filter.accepts(rec.Original, rec.Size)
			if !originalOK && len(survivors) > 0 {
				// Promote the first surviving duplicate to original, matching
				// rm_parrot's "first file in sorted group becomes original".
				rec.Original, survivors = survivors[0], survivors[1:]
				originalOK = true
			}
			if !originalOK || len(survivors) == 0 {
				continue
			}
			if err := out.Duplicates(sink.Group{Original: rec.Original, Duplicates: survivors, Size: rec.Size}); err != nil {
				return err
			}

		case "duplicate_dir":
			if rec.Dir == nil || !filter.accepts(rec.Dir.Path, rec.Dir.Size) {
				continue
			}
			if err := out.DuplicateDirectory(treemerge.Dir{
				Path: rec.Dir.Path, Size: rec.Dir.Size, ModTime: rec.Dir.ModTime,
				IsOriginal: rec.Dir.IsOriginal,
			}, rec.Dir.IsOriginal); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

func lintKindFromString(s string) types.LintKind {
	for k := types.LintUnknown; k <= types.LintPartOfDirectory; k++ {
		if k.String() == s {
			return k
		}
	}
	return types.LintUnknown
}
