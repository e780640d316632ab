// Package rank implements the originals-criteria chain: a user-supplied
// string of single-letter criteria (optionally with a regex sub-pattern)
// that totally orders files within a group to pick the one-and-only
// original.
package rank

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/ivoronin/dupedog/internal/types"
)

// Criterion is one parsed letter from the chain, with its reversed flag
// and, for 'r'/'x', a compiled regex plus its slot in each file's
// PatternMatchCache.
type Criterion struct {
	letter   rune // lowercased
	reversed bool
	regex    *regexp.Regexp
	regexIdx int
}

// Chain is a compiled originals-criteria string, ready to compare files.
type Chain struct {
	criteria []Criterion
}

// Compile parses a rank-by string like "pM" or "r<^/backup/>a" into a
// Chain. Unknown letters are ignored rather than rejected; malformed regex
// specs return an error.
func Compile(spec string) (*Chain, error) {
	var criteria []Criterion
	regexIdx := 0

	runes := []rune(spec)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		lower := unicode.ToLower(c)
		reversed := unicode.IsUpper(c)

		switch lower {
		case 'm', 'a', 'l', 'd', 'p', 'h', 'o':
			criteria = append(criteria, Criterion{letter: lower, reversed: reversed})
		case 'r', 'x':
			pattern, consumed, err := parsePattern(runes[i+1:])
			if err != nil {
				return nil, err
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, err
			}
			criteria = append(criteria, Criterion{
				letter: lower, reversed: reversed, regex: re, regexIdx: regexIdx,
			})
			regexIdx++
			i += consumed
		default:
			// Unrecognised letters are skipped rather than rejected, so a
			// chain carried over from an older config doesn't fail outright.
		}
	}

	return &Chain{criteria: criteria}, nil
}

// parsePattern reads a "<pattern>" sub-criteria following 'r'/'x', per
// rank.c's rm_rank_parse_pattern. Returns the pattern text and the number of
// runes consumed (including the angle brackets).
func parsePattern(rest []rune) (pattern string, consumed int, err error) {
	if len(rest) == 0 || rest[0] != '<' {
		return "", 0, errBadPattern("pattern has to start with `<`")
	}
	balance := 1
	i := 1
	for ; i < len(rest); i++ {
		switch rest[i] {
		case '<':
			balance++
		case '>':
			balance--
		}
		if balance == 0 {
			break
		}
	}
	if balance != 0 {
		return "", 0, errBadPattern("`<` or `>` imbalance")
	}
	return string(rest[1:i]), i + 1, nil
}

type patternError string

func (e patternError) Error() string { return string(e) }
func errBadPattern(msg string) error { return patternError(msg) }

// PathIndexer resolves a file to the index of the root path it was
// discovered under, for the 'p'/'P' criterion.
type PathIndexer func(f *types.FileInfo) int

// Compare orders a and b per the chain. Preferred-path files always outrank
// non-preferred ones regardless of criteria, checked before
// any chain criterion. Returns <0 if a outranks b, >0 if b outranks a, 0 on
// a full tie.
func (c *Chain) Compare(a, b *types.FileInfo, pathIndex PathIndexer) int {
	if a.Flags.Preferred != b.Flags.Preferred {
		if a.Flags.Preferred {
			return -1
		}
		return 1
	}

	for _, crit := range c.criteria {
		if r := compareOne(crit, a, b, pathIndex); r != 0 {
			if crit.reversed {
				return -r
			}
			return r
		}
	}
	return 0
}

// Best returns the file in files that outranks every other, per Compare.
func (c *Chain) Best(files []*types.FileInfo, pathIndex PathIndexer) *types.FileInfo {
	if len(files) == 0 {
		return nil
	}
	best := files[0]
	for _, f := range files[1:] {
		if c.Compare(f, best, pathIndex) < 0 {
			best = f
		}
	}
	return best
}

func compareOne(crit Criterion, a, b *types.FileInfo, pathIndex PathIndexer) int {
	switch crit.letter {
	case 'm':
		return signDiffTime(a.ModTime.UnixNano(), b.ModTime.UnixNano())
	case 'a':
		return strings.Compare(strings.ToLower(basename(a)), strings.ToLower(basename(b)))
	case 'l':
		return signDiff(len(basename(a)), len(basename(b)))
	case 'd':
		return signDiff(a.Depth, b.Depth)
	case 'p':
		if pathIndex == nil {
			return 0
		}
		return signDiff(pathIndex(a), pathIndex(b))
	case 'h':
		return signDiff(int(a.Nlink), int(b.Nlink))
	case 'o':
		return signDiff(int(a.OuterLinks), int(b.OuterLinks))
	case 'r':
		return compareRegex(crit, a, b, a.Path, b.Path)
	case 'x':
		return compareRegex(crit, a, b, basename(a), basename(b))
	default:
		return 0
	}
}

func compareRegex(crit Criterion, a, b *types.FileInfo, pathA, pathB string) int {
	matchA := matchCached(&a.Pattern, crit.regexIdx, crit.regex, pathA)
	matchB := matchCached(&b.Pattern, crit.regexIdx, crit.regex, pathB)
	// A match outranks a non-match.
	return signDiff(boolToInt(matchB), boolToInt(matchA))
}

func matchCached(cache *types.PatternMatchCache, idx int, re *regexp.Regexp, s string) bool {
	if m, ok := cache.Lookup(idx); ok {
		return m
	}
	m := re.MatchString(s)
	cache.Set(idx, m)
	return m
}

func basename(f *types.FileInfo) string {
	if f.Node != nil {
		return f.Node.Basename()
	}
	if i := strings.LastIndexByte(f.Path, '/'); i >= 0 {
		return f.Path[i+1:]
	}
	return f.Path
}

func signDiff(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func signDiffTime(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
