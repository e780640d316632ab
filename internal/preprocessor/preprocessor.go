// Package preprocessor turns the raw traversal
// stream into initial size-equivalence groups for the shredder, folding
// hardlinks, pruning path doubles, and diverting "other lint" straight to
// the output sink.
//
// The size/inode grouping follows a bySize + groupByDevIno shape, generalised
// here with the match-criteria composite key, the originals-criteria chain
// (internal/rank), and the preferred-path accounting rules a plain size
// grouping doesn't need.
package preprocessor

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/ivoronin/dupedog/internal/rank"
	"github.com/ivoronin/dupedog/internal/types"
)

// Config holds the options this stage consumes.
type Config struct {
	MinSize, MaxSize int64

	MatchBasename          bool
	MatchExtension         bool
	MatchWithoutExtension  bool
	UnmatchedBasename      bool
	MTimeWindow            time.Duration

	KeepAllTagged     bool
	KeepAllUntagged   bool
	MustMatchTagged   bool
	MustMatchUntagged bool

	FindHardlinkedDupes bool // emit hardlink cluster members as dupes of each other
	FindEmptyFiles      bool // classify zero-byte files as empty-file lint instead of duplicate candidates

	RankBy *rank.Chain

	// PathPriority lists root paths in command-line order, for the 'p'/'P'
	// rank criterion.
	PathPriority []string
}

// Result is the preprocessor's output: size-equivalence groups ready for
// the shredder, plus other-lint records to emit directly.
type Result struct {
	Groups    []types.CandidateGroup
	OtherLint []*types.FileInfo
}

// Run executes the preprocessing steps in order: insert
// (hardlink/path-double folding), other-lint diversion, size grouping,
// preferred-path accounting.
func Run(files []*types.FileInfo, cfg Config) Result {
	kept := make([]*types.FileInfo, 0, len(files))
	var otherLint []*types.FileInfo

	for _, f := range files {
		if f.Lint == types.LintUnknown {
			f.Lint = classifySize(f, cfg)
		}
		if f.Lint.IsOtherLint() {
			if diverted := divert(f, cfg); diverted {
				otherLint = append(otherLint, f)
			}
			continue
		}
		if f.Size < cfg.MinSize || (cfg.MaxSize > 0 && f.Size > cfg.MaxSize) {
			continue
		}
		kept = append(kept, f)
	}

	clusters := foldHardlinks(kept, cfg)

	groups := groupBySizeAndCriteria(clusters, cfg)
	if cfg.UnmatchedBasename {
		groups = filterUnmatchedBasename(groups)
	}
	groups = applyPreferredPathFilters(groups, cfg)

	return Result{Groups: groups, OtherLint: otherLint}
}

// classifySize flags zero-byte files as empty-file lint when FindEmptyFiles
// is enabled (boundary behavior: "A file of size 0 never enters the
// shredder"); otherwise a zero-byte file falls through to the ordinary
// duplicate-candidate path like any other size, so it can still be folded
// into a promoted duplicate directory.
func classifySize(f *types.FileInfo, cfg Config) types.LintKind {
	eff := f.EffectiveSize()
	if eff == 0 && cfg.FindEmptyFiles {
		return types.LintEmptyFile
	}
	return types.LintDuplicateCandidate
}

// divert applies the keep-all-tagged/keep-all-untagged rules: a
// preferred-path other-lint record is dropped silently under keep-all-tagged,
// and symmetrically for non-preferred paths.
func divert(f *types.FileInfo, cfg Config) bool {
	if cfg.KeepAllTagged && f.Flags.Preferred {
		return false
	}
	if cfg.KeepAllUntagged && !f.Flags.Preferred {
		return false
	}
	return true
}

type devIno struct {
	dev, ino uint64
}

// foldHardlinks groups files by (dev, ino). Within a cluster, a path double
// (same parent dir + basename as another record in the cluster — i.e. the
// traverser saw the same path twice, e.g. via a duplicate root argument) is
// pruned, keeping only the higher-ranked copy. Every surviving member gets
// OuterLinks stamped (Nlink minus how many of its own links were traversed),
// and the remaining cluster is returned as a types.SiblingGroup, with
// HardlinkRep set on every member except the chain-selected representative.
func foldHardlinks(files []*types.FileInfo, cfg Config) []types.SiblingGroup {
	byDevIno := make(map[devIno][]*types.FileInfo)
	for _, f := range files {
		byDevIno[devIno{f.Dev, f.Ino}] = append(byDevIno[devIno{f.Dev, f.Ino}], f)
	}

	clusters := make([]types.SiblingGroup, 0, len(byDevIno))
	for _, members := range byDevIno {
		deduped := prunePathDoubles(members, cfg)
		if len(deduped) == 0 {
			continue
		}

		for _, f := range deduped {
			outer := int32(f.Nlink) - int32(len(deduped))
			if outer < 0 {
				outer = 0
			}
			f.OuterLinks = outer
		}

		rep := deduped[0]
		if cfg.RankBy != nil {
			rep = cfg.RankBy.Best(deduped, pathIndexer(cfg))
		}
		if !cfg.FindHardlinkedDupes {
			for _, f := range deduped {
				if f != rep {
					f.HardlinkRep = rep
				}
			}
		}
		clusters = append(clusters, types.NewSiblingGroup(deduped))
	}
	return clusters
}

// prunePathDoubles drops duplicate (parent, basename) pairs within one
// hardlink cluster — these arise when the same path is reachable via two
// overlapping root arguments. The lower-ranked record (per the
// originals-criteria chain) is discarded.
func prunePathDoubles(members []*types.FileInfo, cfg Config) []*types.FileInfo {
	if len(members) < 2 {
		return members
	}
	bestByPath := make(map[string]*types.FileInfo, len(members))
	for _, f := range members {
		existing, ok := bestByPath[f.Path]
		if !ok {
			bestByPath[f.Path] = f
			continue
		}
		if cfg.RankBy != nil && cfg.RankBy.Compare(f, existing, pathIndexer(cfg)) < 0 {
			bestByPath[f.Path] = f
		}
	}
	out := make([]*types.FileInfo, 0, len(bestByPath))
	for _, f := range bestByPath {
		out = append(out, f)
	}
	return out
}

func pathIndexer(cfg Config) rank.PathIndexer {
	if len(cfg.PathPriority) == 0 {
		return nil
	}
	return func(f *types.FileInfo) int {
		for i, root := range cfg.PathPriority {
			if strings.HasPrefix(f.Path, root) {
				return i
			}
		}
		return len(cfg.PathPriority)
	}
}

// sizeKey is the composite sort key for grouping: effective
// size, extended with whichever match-criteria the config enables.
type sizeKey struct {
	size      int64
	basename  string
	ext       string
	extStrip  string
	mtimeSlot int64
}

func keyFor(sg types.SiblingGroup, cfg Config) sizeKey {
	rep := sg.First()
	k := sizeKey{size: rep.EffectiveSize()}
	if cfg.MatchBasename {
		k.basename = strings.ToLower(filepath.Base(rep.Path))
	}
	if cfg.MatchExtension {
		k.ext = strings.ToLower(filepath.Ext(rep.Path))
	}
	if cfg.MatchWithoutExtension {
		base := filepath.Base(rep.Path)
		k.extStrip = strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	}
	if cfg.MTimeWindow > 0 {
		k.mtimeSlot = rep.ModTime.Unix() / int64(cfg.MTimeWindow.Seconds())
	}
	return k
}

// groupBySizeAndCriteria buckets sibling-group clusters by the composite key,
// one bucket per distinct key, keeping only groups with 2+ clusters
// (potential duplicates).
func groupBySizeAndCriteria(clusters []types.SiblingGroup, cfg Config) []types.CandidateGroup {
	byKey := make(map[sizeKey][]types.SiblingGroup)
	for _, c := range clusters {
		k := keyFor(c, cfg)
		byKey[k] = append(byKey[k], c)
	}

	var groups []types.CandidateGroup
	for _, members := range byKey {
		if len(members) >= 2 {
			groups = append(groups, types.NewCandidateGroup(members))
		}
	}
	return groups
}

// filterUnmatchedBasename drops groups whose members all share one
// basename: unmatched-basename only wants groups where the duplicate
// content surfaces under at least two different names, not the common case
// of the same file copied verbatim, name included, into another directory.
func filterUnmatchedBasename(groups []types.CandidateGroup) []types.CandidateGroup {
	var out []types.CandidateGroup
	for _, g := range groups {
		names := make(map[string]struct{})
		for _, sg := range g.Items() {
			names[strings.ToLower(filepath.Base(sg.First().Path))] = struct{}{}
		}
		if len(names) > 1 {
			out = append(out, g)
		}
	}
	return out
}

// applyPreferredPathFilters drops groups that fail must-match-tagged /
// must-match-untagged (step 4): a group must contain at least
// one preferred-path file (must-match-tagged) or at least one
// non-preferred-path file (must-match-untagged).
func applyPreferredPathFilters(groups []types.CandidateGroup, cfg Config) []types.CandidateGroup {
	if !cfg.MustMatchTagged && !cfg.MustMatchUntagged {
		return groups
	}

	var out []types.CandidateGroup
	for _, g := range groups {
		hasTagged, hasUntagged := false, false
		for _, sg := range g.Items() {
			for _, f := range sg.Items() {
				if f.Flags.Preferred {
					hasTagged = true
				} else {
					hasUntagged = true
				}
			}
		}
		if cfg.MustMatchTagged && !hasTagged {
			continue
		}
		if cfg.MustMatchUntagged && !hasUntagged {
			continue
		}
		out = append(out, g)
	}
	return out
}
