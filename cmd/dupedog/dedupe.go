package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ivoronin/dupedog/internal/deduper"
	"github.com/ivoronin/dupedog/internal/digest"
	"github.com/ivoronin/dupedog/internal/extattr"
	"github.com/ivoronin/dupedog/internal/mount"
	"github.com/ivoronin/dupedog/internal/pathtrie"
	"github.com/ivoronin/dupedog/internal/preprocessor"
	"github.com/ivoronin/dupedog/internal/rank"
	"github.com/ivoronin/dupedog/internal/scanner"
	"github.com/ivoronin/dupedog/internal/shredder"
	"github.com/ivoronin/dupedog/internal/sink"
	"github.com/ivoronin/dupedog/internal/types"
)

// dedupeOptions holds CLI flags for the dedupe command.
type dedupeOptions struct {
	minSizeStr            string
	excludes              []string
	workers               int
	noProgress            bool
	verbose               bool
	dryRun                bool
	symlinkFallback       bool
	trustDeviceBoundaries bool
	cacheFile             string
}

// newDedupeCmd creates the dedupe subcommand.
func newDedupeCmd() *cobra.Command {
	opts := &dedupeOptions{
		minSizeStr: "1",
		workers:    runtime.NumCPU(),
	}

	cmd := &cobra.Command{
		Use:   "dedupe [paths...]",
		Short: "Find and deduplicate files",
		Long: `Scans for duplicates and replaces them with hardlinks (or symlinks as fallback).

When using --symlink-fallback, path order determines which location keeps actual data
(symlink source) vs which become symlinks. For example:
  dupedog dedupe /primary /secondary --symlink-fallback
keeps files in /primary, with /secondary containing symlinks pointing to them.

Use --dry-run to preview without making changes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runDedupe(args, opts)
		},
	}

	// Bind flags to options
	cmd.Flags().StringVarP(&opts.minSizeStr, "min-size", "m", opts.minSizeStr, "Minimum file size (e.g., 100, 1K, 10M, 1G)")
	cmd.Flags().StringSliceVarP(&opts.excludes, "exclude", "e", nil, "Glob patterns to exclude")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel workers")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show individual file operations")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "Preview changes without executing")
	cmd.Flags().BoolVar(&opts.symlinkFallback, "symlink-fallback", false, "Fall back to symlinks when deduplicating files across device boundaries")
	cmd.Flags().BoolVar(&opts.trustDeviceBoundaries, "trust-device-boundaries", false,
		"Assume devices have independent inode spaces. WARNING: Unsafe if the same filesystem is mounted at multiple paths (e.g., NFS)")
	cmd.Flags().StringVar(&opts.cacheFile, "cache-file", "", "Path to hash cache file (enables caching)")

	return cmd
}

// drainErrors consumes errors from a channel and writes them to stderr.
// Clears progress bar line before printing to avoid visual collision.
func drainErrors(errs <-chan error) {
	for err := range errs {
		fmt.Fprintf(os.Stderr, "\r\033[Kerror: %v\n", err)
	}
}

// canonicalizeDeviceIDs overwrites each file's raw stat device with the
// mount-table oracle's canonical DeviceID, so a network filesystem mounted
// at two different local paths folds to one device instead of two. Without
// this, --trust-device-boundaries's raw (dev, ino) pairs can under-fold: the
// same inode reachable through two mount points looks like two distinct
// files on two distinct devices, and a real hardlink cluster gets missed.
// A mount-table read failure is reported and left as a no-op — falling back
// to the raw device numbers is still correct for the common local-disk case.
func canonicalizeDeviceIDs(files []*types.FileInfo, errCh chan error) {
	table, err := mount.New()
	if err != nil {
		errCh <- fmt.Errorf("mount table unavailable, trusting raw device numbers: %w", err)
		return
	}
	for _, f := range files {
		f.Dev = uint64(table.DeviceOf(f.Path))
	}
}

// runDedupe executes the dedupe pipeline: scan → preprocess → shred →
// replace-with-links. The link-replacing Sink (internal/deduper.Sink) is the
// only collaborator here that actually touches the filesystem — every other
// stage is shared verbatim with the scan subcommand's classify-only path.
func runDedupe(paths []string, opts *dedupeOptions) error {
	minSize, err := parseSize(opts.minSizeStr)
	if err != nil {
		return fmt.Errorf("invalid --min-size: %w", err)
	}

	if err := validateGlobPatterns(opts.excludes); err != nil {
		return fmt.Errorf("invalid --exclude: %w", err)
	}

	showProgress := !opts.noProgress

	errCh := make(chan error, 100)
	go drainErrors(errCh)
	defer close(errCh)

	trie := pathtrie.New()
	files := scanner.New(paths, minSize, opts.excludes, opts.workers, showProgress, errCh,
		scanner.WithPathTrie(trie), scanner.WithPreferredPaths(paths)).Run()
	if len(files) == 0 {
		return nil
	}

	if !opts.trustDeviceBoundaries {
		canonicalizeDeviceIDs(files, errCh)
	}

	pp := preprocessor.Run(files, preprocessor.Config{
		MinSize:        minSize,
		PathPriority:   paths,
		FindEmptyFiles: true,
	})
	if len(pp.Groups) == 0 {
		return nil
	}

	var extStore extattr.Store
	if opts.cacheFile != "" {
		boltStore, err := extattr.OpenBoltStore(opts.cacheFile)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer func() { _ = boltStore.Close() }()
		extStore = boltStore
	}

	duplicates := shredder.New(pp.Groups, shredder.Config{
		DigestKind:    digest.SHA256,
		Workers:       opts.workers,
		ShowProgress:  showProgress,
		ErrCh:         errCh,
		ExtAttr:       extStore,
	}).Run()

	linkSink := deduper.NewSink(paths, opts.dryRun, opts.symlinkFallback, opts.verbose, showProgress, errCh)
	defer func() { _ = linkSink.Close() }()

	rankBy, _ := rank.Compile("")
	for _, dg := range duplicates.Items() {
		orig := selectOriginal(dg, rankBy, paths)
		if err := linkSink.Duplicates(sink.GroupFromTypes(dg, orig)); err != nil {
			return err
		}
	}

	return nil
}
