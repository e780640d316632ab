package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ivoronin/dupedog/internal/config"
	"github.com/ivoronin/dupedog/internal/digest"
	"github.com/ivoronin/dupedog/internal/diskqueue"
	"github.com/ivoronin/dupedog/internal/extattr"
	"github.com/ivoronin/dupedog/internal/mount"
	"github.com/ivoronin/dupedog/internal/pathtrie"
	"github.com/ivoronin/dupedog/internal/preprocessor"
	"github.com/ivoronin/dupedog/internal/rank"
	"github.com/ivoronin/dupedog/internal/replay"
	"github.com/ivoronin/dupedog/internal/scanner"
	"github.com/ivoronin/dupedog/internal/shredder"
	"github.com/ivoronin/dupedog/internal/sink"
	"github.com/ivoronin/dupedog/internal/treemerge"
	"github.com/ivoronin/dupedog/internal/types"
)

// scanOptions holds the flags specific to the scan subcommand; the
// recognised-option set itself lives in internal/config and
// is bound through viper.
type scanOptions struct {
	jsonOut    string
	noProgress bool
	configFile string
}

// newScanCmd creates the scan subcommand: the core's classify-only
// contract (Non-goals — "no deletion is performed by the core").
// It reports lint records, duplicate groups, and duplicate directories to a
// sink, and never touches the filesystem beyond reading it.
func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Find duplicate files and directories without modifying anything",
		Long: `Scans one or more paths, classifies every file (duplicate candidate,
empty, bad link, and the other lint kinds), confirms duplicates with
a progressive hash, optionally merges whole duplicate directories, and
reports everything to a sink. Nothing is deleted, linked, or renamed — use
the separate "dedupe" subcommand for that.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			return runScan(args, opts, v)
		},
	}

	config.BindFlags(cmd, v)
	cmd.Flags().StringVar(&opts.jsonOut, "json", "", "Write a line-delimited JSON report to this path (enables replay)")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().StringVar(&opts.configFile, "config", "", "Optional config file layered under these flags")

	return cmd
}

func runScan(args []string, opts *scanOptions, v *viper.Viper) error {
	if opts.configFile != "" {
		v.SetConfigFile(opts.configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	out, closeOut, err := buildSink(opts.jsonOut)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	defer closeOut()

	if cfg.Replay != "" {
		return runReplay(cfg, out)
	}

	if len(args) == 0 {
		return fmt.Errorf("scan requires at least one path (or --replay)")
	}

	showProgress := !opts.noProgress
	errCh := make(chan error, 100)
	go drainErrors(errCh)
	defer close(errCh)

	trie := pathtrie.New()
	mountTable, err := mount.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	files := scanner.New(args, cfg.MinSize, nil, resolveWorkers(cfg), showProgress, errCh,
		scanner.WithPathTrie(trie), scanner.WithPreferredPaths(args),
		scanner.WithFollowSymlinks(cfg.FollowSymlinks), scanner.WithCrossDevice(cfg.CrossDevice)).Run()
	files = dropEvilDevices(files, mountTable)

	rankBy, err := rank.Compile(cfg.RankBy)
	if err != nil {
		return fmt.Errorf("invalid --rank-by: %w", err)
	}

	pp := preprocessor.Run(files, preprocessor.Config{
		MinSize:               cfg.MinSize,
		MaxSize:               cfg.MaxSize,
		MatchBasename:         cfg.MatchBasename,
		MatchExtension:        cfg.MatchExtension,
		MatchWithoutExtension: cfg.MatchWithoutExtension,
		UnmatchedBasename:     cfg.UnmatchedBasename,
		MTimeWindow:           cfg.MTimeWindow,
		KeepAllTagged:         cfg.KeepAllTagged,
		KeepAllUntagged:       cfg.KeepAllUntagged,
		MustMatchTagged:       cfg.MustMatchTagged,
		MustMatchUntagged:     cfg.MustMatchUntagged,
		FindHardlinkedDupes:   cfg.FindHardlinkedDupes,
		FindEmptyFiles:        cfg.FindEmptyFiles,
		RankBy:                rankBy,
		PathPriority:          args,
	})

	for _, f := range pp.OtherLint {
		_ = out.Lint(sink.Record{Path: f.Path, Kind: f.Lint, Size: f.Size})
	}

	extStore, closeExt := buildExtAttrStore(cfg)
	if closeExt != nil {
		defer closeExt()
	}

	var devices *diskqueue.Scheduler
	if mountTable != nil {
		devices = diskqueue.New(mountTable, diskqueue.NewExtentOracle(), cfg.ThreadsPerDisk, resolveWorkers(cfg))
	}

	duplicates := shredder.New(pp.Groups, shredder.Config{
		DigestKind:      digest.Kind(cfg.Digest),
		ReadIncrement:   cfg.ReadBufferBytes,
		MaxIncrement:    cfg.TotalBufferBytes,
		Workers:         resolveWorkers(cfg),
		ShowProgress:    showProgress,
		ErrCh:           errCh,
		ExtAttr:         extStore,
		WriteUnfinished: false,
		Devices:         devices,
	}).Run()

	if cfg.MergeDirectories {
		return emitMerged(files, duplicates, cfg, rankBy, args, out)
	}

	for _, dg := range duplicates.Items() {
		orig := selectOriginal(dg, rankBy, args)
		_ = out.Duplicates(sink.GroupFromTypes(dg, orig))
	}
	return nil
}

// emitMerged runs the tree merger over confirmed duplicate groups before
// reporting the result to out. allScanned must be the full scanned file
// population (not just the confirmed duplicates) so CountFiles' pre-pass
// sees every file a directory holds, including ones that never matched any
// duplicate group — otherwise a directory's fileCount trivially equals its
// dupeCount and an only-partly-duplicated directory gets wrongly promoted.
func emitMerged(allScanned []*types.FileInfo, duplicates types.DuplicateGroups, cfg config.Options, rankBy *rank.Chain, pathPriority []string, out sink.Sink) error {
	merger := treemerge.New(treemerge.Config{
		HonourDirLayout: cfg.HonourDirLayout,
		KeepAllTagged:   cfg.KeepAllTagged,
		KeepAllUntagged: cfg.KeepAllUntagged,
		RankBy:          rankBy,
		PathPriority:    pathPriority,
	})

	merger.CountFiles(allScanned)
	all := duplicates.Items()
	for i, dg := range all {
		merger.Feed(dg, fmt.Sprintf("content-%d", i))
	}
	result := merger.Finish()

	for _, dirGroup := range result.DirGroups {
		for _, d := range dirGroup.Dirs {
			if err := out.DuplicateDirectory(d, d.IsOriginal); err != nil {
				return err
			}
		}
	}
	for _, dg := range result.LeftoverFiles.Items() {
		orig := selectOriginal(dg, rankBy, pathPriority)
		if err := out.Duplicates(sink.GroupFromTypes(dg, orig)); err != nil {
			return err
		}
	}
	return nil
}

func selectOriginal(dg types.DuplicateGroup, rankBy *rank.Chain, pathPriority []string) *types.FileInfo {
	reps := make([]*types.FileInfo, 0, dg.Len())
	for _, sg := range dg.Items() {
		reps = append(reps, types.Representative(sg))
	}
	if rankBy == nil {
		return reps[0]
	}
	return rankBy.Best(reps, func(f *types.FileInfo) int {
		for i, root := range pathPriority {
			if len(f.Path) >= len(root) && f.Path[:len(root)] == root {
				return i
			}
		}
		return len(pathPriority)
	})
}

func runReplay(cfg config.Options, out sink.Sink) error {
	f, err := os.Open(cfg.Replay)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer func() { _ = f.Close() }()

	filter := replay.Filter{MinSize: cfg.MinSize, MaxSize: cfg.MaxSize}
	return replay.Replay(f, filter, out)
}

func buildSink(jsonPath string) (sink.Sink, func(), error) {
	text := sink.NewTextSink(os.Stdout)
	if jsonPath == "" {
		return text, func() {}, nil
	}
	f, err := os.Create(jsonPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create json report: %w", err)
	}
	multi := sink.NewMultiSink(text, sink.NewJSONSink(f))
	return multi, func() { _ = f.Close() }, nil
}

func buildExtAttrStore(cfg config.Options) (extattr.Store, func()) {
	if !cfg.ExtAttrRead && !cfg.ExtAttrWrite {
		return nil, nil
	}
	return extattr.NewXattrStore(), nil
}

func dropEvilDevices(files []*types.FileInfo, table *mount.Table) []*types.FileInfo {
	if table == nil {
		return files
	}
	kept := files[:0]
	for _, f := range files {
		if table.IsEvil(table.DeviceOf(f.Path)) {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func resolveWorkers(cfg config.Options) int {
	if cfg.Threads > 0 {
		return cfg.Threads
	}
	return runtime.NumCPU()
}
