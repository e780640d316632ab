// Package config declares the option set as a plain Go struct,
// validates impossible combinations before a run starts (configuration
// errors are rejected up front, never surfaced mid-run), and binds it to
// cobra flags through viper the way GoogleCloudPlatform/gcsfuse layers a
// config file under CLI flags (BindPFlag per option, then Unmarshal into
// the struct).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Options is the full recognised option set, one field per flag.
type Options struct {
	MinSize int64 `mapstructure:"min-size"`
	MaxSize int64 `mapstructure:"max-size"`

	SkipStart float64 `mapstructure:"skip-start"` // bytes, or a fraction in [0,1) if < 1
	SkipEnd   float64 `mapstructure:"skip-end"`

	ReadBufferBytes    int64 `mapstructure:"read-buffer-bytes"`
	TotalBufferBytes   int64 `mapstructure:"total-buffer-bytes"`
	ParanoidBufferBytes int64 `mapstructure:"paranoid-buffer-bytes"`

	Threads        int `mapstructure:"threads"`
	ThreadsPerDisk int `mapstructure:"threads-per-disk"`

	Digest string `mapstructure:"digest"`

	FollowSymlinks bool `mapstructure:"follow-symlinks"`
	CrossDevice    bool `mapstructure:"cross-device"`

	FindHardlinkedDupes bool `mapstructure:"find-hardlinked-dupes"`
	FindEmptyFiles      bool `mapstructure:"find-emptyfiles"`

	MatchBasename         bool          `mapstructure:"match-basename"`
	MatchExtension        bool          `mapstructure:"match-extension"`
	MatchWithoutExtension bool          `mapstructure:"match-without-extension"`
	UnmatchedBasename     bool          `mapstructure:"unmatched-basename"`
	MTimeWindow           time.Duration `mapstructure:"mtime-window"`

	KeepAllTagged     bool `mapstructure:"keep-all-tagged"`
	KeepAllUntagged   bool `mapstructure:"keep-all-untagged"`
	MustMatchTagged   bool `mapstructure:"must-match-tagged"`
	MustMatchUntagged bool `mapstructure:"must-match-untagged"`

	MergeDirectories bool `mapstructure:"merge-directories"`
	HonourDirLayout  bool `mapstructure:"honour-dir-layout"`

	RankBy string `mapstructure:"rank-by"`

	Replay string `mapstructure:"replay"`

	ExtAttrRead  bool `mapstructure:"ext-attr-read"`
	ExtAttrWrite bool `mapstructure:"ext-attr-write"`
	ExtAttrClear bool `mapstructure:"ext-attr-clear"`
}

// Default returns the option set's defaults (no size floor, matching
// original_source/src/settings.c's minsize=0; four worker threads).
func Default() Options {
	return Options{
		MinSize:             0,
		ReadBufferBytes:     1 << 20,  // 1 MiB
		TotalBufferBytes:    1 << 28,  // 256 MiB
		ParanoidBufferBytes: 1 << 26,  // 64 MiB
		Threads:             4,
		ThreadsPerDisk:      1,
		Digest:              "blake2b",
		ExtAttrRead:         true,
		ExtAttrWrite:        true,
		FindEmptyFiles:      true,
	}
}

// Validate rejects impossible combinations, returning the
// first violation found.
func (o Options) Validate() error {
	if o.MaxSize > 0 && o.MinSize > o.MaxSize {
		return fmt.Errorf("min-size (%d) exceeds max-size (%d)", o.MinSize, o.MaxSize)
	}
	if o.KeepAllTagged && o.MustMatchUntagged {
		return fmt.Errorf("keep-all-tagged is incompatible with must-match-untagged: " +
			"the former silently drops every preferred-path record the latter requires a group to contain")
	}
	if o.KeepAllUntagged && o.MustMatchTagged {
		return fmt.Errorf("keep-all-untagged is incompatible with must-match-tagged: " +
			"the former silently drops every non-preferred-path record the latter requires a group to contain")
	}
	if o.HonourDirLayout && !o.MergeDirectories {
		return fmt.Errorf("honour-dir-layout requires merge-directories")
	}
	if !validDigest(o.Digest) {
		return fmt.Errorf("unrecognised digest kind %q", o.Digest)
	}
	if o.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", o.Threads)
	}
	if o.ThreadsPerDisk <= 0 {
		return fmt.Errorf("threads-per-disk must be positive, got %d", o.ThreadsPerDisk)
	}
	if o.SkipStart < 0 || o.SkipEnd < 0 {
		return fmt.Errorf("skip-start/skip-end cannot be negative")
	}
	if o.RankBy != "" {
		if _, err := compileRankCheck(o.RankBy); err != nil {
			return fmt.Errorf("invalid rank-by: %w", err)
		}
	}
	return nil
}

func validDigest(kind string) bool {
	switch kind {
	case "md5", "sha1", "sha256", "sha512", "blake2b", "highway", "metro", "xxh3", "paranoid":
		return true
	default:
		return false
	}
}

// BindFlags registers every option as a cobra/pflag flag on cmd and layers
// viper underneath it, so a config file (if --config points at one) supplies
// defaults that explicit flags still override — the gcsfuse pattern.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	d := Default()
	flags := cmd.Flags()

	flags.Int64("min-size", d.MinSize, "Minimum file size in bytes")
	flags.Int64("max-size", d.MaxSize, "Maximum file size in bytes (0 = unbounded)")
	flags.Float64("skip-start", 0, "Bytes or fraction clamped off the front of each file")
	flags.Float64("skip-end", 0, "Bytes or fraction clamped off the back of each file")
	flags.Int64("read-buffer-bytes", d.ReadBufferBytes, "Per-read buffer size")
	flags.Int64("total-buffer-bytes", d.TotalBufferBytes, "Total read buffer budget")
	flags.Int64("paranoid-buffer-bytes", d.ParanoidBufferBytes, "Paranoid-digest buffer budget")
	flags.Int("threads", d.Threads, "Total worker threads")
	flags.Int("threads-per-disk", d.ThreadsPerDisk, "Worker threads per physical disk")
	flags.String("digest", d.Digest, "Digest algorithm (md5, sha1, sha256, sha512, blake2b, highway, metro, xxh3, paranoid)")
	flags.Bool("follow-symlinks", false, "Follow symlinks during traversal")
	flags.Bool("cross-device", false, "Allow traversal to cross device boundaries")
	flags.Bool("find-hardlinked-dupes", false, "Emit hardlink cluster members as duplicates of each other")
	flags.Bool("find-emptyfiles", d.FindEmptyFiles, "Classify zero-byte files as empty-file lint instead of ordinary duplicate candidates")
	flags.Bool("match-basename", false, "Require matching basenames within a group")
	flags.Bool("match-extension", false, "Require matching extensions within a group")
	flags.Bool("match-without-extension", false, "Require matching basenames ignoring extension")
	flags.Bool("unmatched-basename", false, "Require differing basenames within a group")
	flags.Duration("mtime-window", 0, "Group only files whose mtimes fall in the same window")
	flags.Bool("keep-all-tagged", false, "Drop preferred-path other-lint records and keep all-preferred merged directories as originals (file duplicate groups are not filtered)")
	flags.Bool("keep-all-untagged", false, "Drop non-preferred-path other-lint records and keep untagged merged directories as originals (file duplicate groups are not filtered)")
	flags.Bool("must-match-tagged", false, "Require every group to contain a preferred-path file")
	flags.Bool("must-match-untagged", false, "Require every group to contain a non-preferred-path file")
	flags.Bool("merge-directories", false, "Enable the tree merger")
	flags.Bool("honour-dir-layout", false, "Require identical directory layout for directory equality")
	flags.String("rank-by", "", "Originals-criteria chain, e.g. \"pOma\"")
	flags.String("replay", "", "Path to a previously emitted JSON report to replay instead of traversing")
	flags.Bool("ext-attr-read", d.ExtAttrRead, "Consult the extended-attribute digest cache before hashing")
	flags.Bool("ext-attr-write", d.ExtAttrWrite, "Persist confirmed digests to the extended-attribute cache")
	flags.Bool("ext-attr-clear", d.ExtAttrClear, "Clear any stale extended-attribute cache entries encountered")

	_ = v.BindPFlags(flags)
}

// Load unmarshals v into an Options value seeded with Default(), then
// validates it.
func Load(v *viper.Viper) (Options, error) {
	opts := Default()
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("parse configuration: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// compileRankCheck is a syntax-only check of a rank-by chain; the package
// doing the real compiling (internal/rank) is not imported here to avoid a
// dependency cycle (rank doesn't need to know about config).
func compileRankCheck(spec string) (bool, error) {
	depth := 0
	for _, r := range spec {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
			if depth < 0 {
				return false, fmt.Errorf("unbalanced `>` in pattern")
			}
		}
	}
	if depth != 0 {
		return false, fmt.Errorf("unbalanced `<` in pattern")
	}
	return true, nil
}
