package deduper

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ivoronin/dupedog/internal/progress"
	"github.com/ivoronin/dupedog/internal/sink"
	"github.com/ivoronin/dupedog/internal/treemerge"
)

// Sink adapts the hardlink/symlink replacement logic in links.go to the
// sink.Sink contract, so the dedupe
// subcommand can drive link replacement from the same push-style pipeline
// that drives the JSON/text report sinks instead of a separate batch pass
// over types.DuplicateGroups.
//
// Unlike the original Deduper, Sink receives flattened path groups (no
// FileInfo.ModTime) so its safety check is simpler: it re-stats the target
// immediately before linking and requires the size to still match what the
// group reported, rather than comparing a remembered mtime. See DESIGN.md.
type Sink struct {
	pathPriority    []string
	dryRun          bool
	symlinkFallback bool
	verbose         bool
	errCh           chan error

	bar   *progress.Bar
	stats *linkStats
}

type linkStats struct {
	processedSets, processedFiles int
	savedBytes                    int64
	startTime                     time.Time
}

func (s *linkStats) String() string {
	return fmt.Sprintf("Linked %d files in %d sets, saved %s in %.1fs",
		s.processedFiles, s.processedSets, humanize.IBytes(uint64(s.savedBytes)), time.Since(s.startTime).Seconds())
}

// NewSink creates a link-replacing Sink. Directories passed to
// DuplicateDirectory are reported only: merging whole directory trees into
// a single inode isn't meaningful for hardlinks.
func NewSink(pathPriority []string, dryRun, symlinkFallback, verbose, showProgress bool, errCh chan error) *Sink {
	return &Sink{
		pathPriority:    pathPriority,
		dryRun:          dryRun,
		symlinkFallback: symlinkFallback,
		verbose:         verbose,
		errCh:           errCh,
		bar:             progress.New(showProgress, -1),
		stats:           &linkStats{startTime: time.Now()},
	}
}

func (s *Sink) Lint(sink.Record) error { return nil }

func (s *Sink) Duplicates(g sink.Group) error {
	source := selectSourcePath(g.Original, g.Duplicates, s.pathPriority)
	for _, target := range g.Duplicates {
		if target == source {
			continue
		}
		result := s.dedupePath(source, target, g.Size)
		if result.Err != nil {
			s.sendError(fmt.Errorf("%s: %w", target, result.Err))
			continue
		}
		s.stats.savedBytes += result.BytesSaved
		s.stats.processedFiles++
		if s.verbose {
			fmt.Fprintf(os.Stderr, "\r\033[K")
			_, _ = fmt.Fprintln(os.Stdout, result)
		}
		s.bar.Describe(s.stats)
	}
	s.stats.processedSets++
	s.bar.Describe(s.stats)
	return nil
}

// DuplicateDirectory is a no-op: directories aren't linkable.
func (s *Sink) DuplicateDirectory(treemerge.Dir, bool) error { return nil }

func (s *Sink) Close() error {
	s.bar.Finish(s.stats)
	return nil
}

// selectSourcePath picks the path whose data is kept from a flat path list:
// for the first pathPriority entry that prefixes original or one of the
// duplicates, that path wins (original is checked first); when no priority
// entry matches, original is kept.
func selectSourcePath(original string, duplicates []string, pathPriority []string) string {
	for _, pref := range pathPriority {
		if strings.HasPrefix(original, pref) {
			return original
		}
		for _, d := range duplicates {
			if strings.HasPrefix(d, pref) {
				return d
			}
		}
	}
	return original
}

// dedupePath replaces target with a link to source, re-stating target
// immediately beforehand to guard against a size change since it was
// reported to this sink.
func (s *Sink) dedupePath(source, target string, expectedSize int64) *DedupeResult {
	f, err := os.Open(target)
	if err != nil {
		return &DedupeResult{Source: source, Target: target, Action: ActionSkipped, Err: err}
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return &DedupeResult{Source: source, Target: target, Action: ActionSkipped, Err: errors.New("file in use (locked by another process)")}
	}

	info, err := f.Stat()
	if err != nil {
		return &DedupeResult{Source: source, Target: target, Action: ActionSkipped, Err: err}
	}
	if info.Size() != expectedSize {
		return &DedupeResult{Source: source, Target: target, Action: ActionSkipped, Err: errors.New("file size changed since scan")}
	}

	if s.dryRun {
		return &DedupeResult{Source: source, Target: target, Action: ActionHardlink, BytesSaved: expectedSize}
	}

	err = CreateHardlink(source, target)
	if err == nil {
		return &DedupeResult{Source: source, Target: target, Action: ActionHardlink, BytesSaved: expectedSize}
	}
	if !errors.Is(err, syscall.EXDEV) {
		return &DedupeResult{Source: source, Target: target, Action: ActionSkipped, Err: err}
	}
	if !s.symlinkFallback {
		return &DedupeResult{Source: source, Target: target, Action: ActionSkipped, Err: errors.New("cannot hardlink across device boundaries (use --symlink-fallback)")}
	}
	symErr := CreateSymlink(source, target)
	if symErr == nil {
		return &DedupeResult{Source: source, Target: target, Action: ActionSymlink, BytesSaved: expectedSize}
	}
	return &DedupeResult{Source: source, Target: target, Action: ActionSkipped, Err: symErr}
}

func (s *Sink) sendError(err error) {
	if s.errCh != nil {
		s.errCh <- err
	}
}
