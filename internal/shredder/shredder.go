// Package shredder implements progressive duplicate confirmation: candidate
// groups are advanced in synchronized increments and split the moment their
// hashes diverge, so no more bytes are read than strictly necessary to
// disambiguate duplicates.
//
// The worker-pool/job-queue/pending-WaitGroup concurrency shape (job chan,
// pending sync.WaitGroup, results chan) is generalised from a fixed
// HEAD/TAIL/CHUNK probe schedule to a geometrically growing read increment,
// and from a single SHA-256 recompute-per-range to the pluggable
// internal/digest progressive trait so every byte is fed to the digest
// exactly once.
package shredder

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ivoronin/dupedog/internal/bufpool"
	"github.com/ivoronin/dupedog/internal/digest"
	"github.com/ivoronin/dupedog/internal/diskqueue"
	"github.com/ivoronin/dupedog/internal/extattr"
	"github.com/ivoronin/dupedog/internal/progress"
	"github.com/ivoronin/dupedog/internal/types"
)

// Config holds the options this stage consumes.
type Config struct {
	DigestKind      digest.Kind
	ReadIncrement   int64 // initial increment size
	MaxIncrement    int64 // geometric growth cap
	Workers         int
	ShowProgress    bool
	ErrCh           chan error
	ExtAttr         extattr.Store      // optional; nil disables the cache
	WriteUnfinished bool               // emit singleton "unique" records when requested
	Devices         *diskqueue.Scheduler // optional; governs per-device read concurrency
}

// fmtBytes is the humanize shorthand used by every stats.String() method.
var fmtBytes = humanize.IBytes

// member is one hardlink-folded sibling group being advanced through a
// shred group, together with its own progressive digest.
type member struct {
	siblings types.SiblingGroup
	dig      digest.Digest
}

// group is its "shred group": a dynamic equivalence class of files
// that agree on every byte hashed so far.
type group struct {
	members       []member
	hashOffset    int64
	nextIncrement int64
	parent        *group
}

// stats tracks shredding progress with atomic counters.
type stats struct {
	totalCandidateBytes uint64
	verifiedBytes       atomic.Uint64
	skippedBytes        atomic.Uint64
	cachedBytes         atomic.Uint64
	confirmedSets       atomic.Int64
	confirmedBytes      atomic.Uint64
	startTime           time.Time
}

func (s *stats) String() string {
	elapsed := time.Since(s.startTime).Truncate(time.Millisecond)
	v, sk, c := s.verifiedBytes.Load(), s.skippedBytes.Load(), s.cachedBytes.Load()
	total := v + sk + c
	pct := 0.0
	if s.totalCandidateBytes > 0 {
		pct = float64(total) / float64(s.totalCandidateBytes) * 100
	}
	return fmt.Sprintf("Hashed %s + cached %s + skipped %s out of %s (%.0f%%), confirmed %d sets (%s) in %v",
		fmtBytes(v), fmtBytes(c), fmtBytes(sk), fmtBytes(s.totalCandidateBytes), pct,
		s.confirmedSets.Load(), fmtBytes(s.confirmedBytes.Load()), elapsed)
}

// Shredder confirms duplicates among candidate groups using progressive
// hashing. Designed for single-use: create with New, call Run once.
type Shredder struct {
	groups []types.CandidateGroup
	cfg    Config

	jobCh     chan *group
	resultsCh chan types.DuplicateGroup
	sem       types.Semaphore
	pending   sync.WaitGroup
	workerWg  sync.WaitGroup
	pool      *bufpool.Pool
	bar       *progress.Bar
	stats     *stats
}

// New creates a Shredder for the given candidate groups.
func New(groups []types.CandidateGroup, cfg Config) *Shredder {
	if cfg.ReadIncrement <= 0 {
		cfg.ReadIncrement = 1 << 20
	}
	if cfg.MaxIncrement <= 0 {
		cfg.MaxIncrement = 1 << 30
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Shredder{groups: groups, cfg: cfg}
}

// Run executes progressive verification and returns confirmed duplicate
// groups (steps 1-6).
func (s *Shredder) Run() types.DuplicateGroups {
	if len(s.groups) == 0 {
		return types.NewDuplicateGroups(nil)
	}

	var totalBytes uint64
	for _, cg := range s.groups {
		totalBytes += uint64(cg.First().First().EffectiveSize()) * uint64(cg.Len())
	}

	s.jobCh = make(chan *group, 1000)
	s.resultsCh = make(chan types.DuplicateGroup, 100)
	s.sem = types.NewSemaphore(s.cfg.Workers)
	s.pool = bufpool.New(bufpool.NumBuffers(int64(s.cfg.Workers)*(1<<26), 1<<20), 1<<20)
	s.bar = progress.New(s.cfg.ShowProgress, -1)
	s.stats = &stats{totalCandidateBytes: totalBytes, startTime: time.Now()}
	s.bar.Describe(s.stats)

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWg.Add(1)
		go func() {
			defer s.workerWg.Done()
			for g := range s.jobCh {
				s.advance(g)
			}
		}()
	}

	s.pending.Add(len(s.groups))
	go func() {
		for _, cg := range s.groups {
			s.jobCh <- initialGroup(cg, s.cfg.ReadIncrement, s.cfg.DigestKind)
		}
	}()

	go func() {
		s.pending.Wait()
		close(s.jobCh)
	}()
	go func() {
		s.workerWg.Wait()
		close(s.resultsCh)
	}()

	var duplicates []types.DuplicateGroup
	for dg := range s.resultsCh {
		duplicates = append(duplicates, dg)
		s.stats.confirmedSets.Add(1)
		s.stats.confirmedBytes.Add(uint64(dg.First().First().EffectiveSize()) * uint64(dg.Len()-1))
		s.bar.Describe(s.stats)
	}

	s.bar.Finish(s.stats)
	return types.NewDuplicateGroups(duplicates)
}

// initialGroup builds a shred group from a size-equivalence candidate group,
// one member per sibling group, each with a freshly-initialised digest of
// kind (step 1).
func initialGroup(cg types.CandidateGroup, increment int64, kind digest.Kind) *group {
	members := make([]member, 0, cg.Len())
	for _, sg := range cg.Items() {
		d, err := digest.New(kind)
		if err != nil {
			continue
		}
		members = append(members, member{siblings: sg, dig: d})
	}
	fileSize := cg.First().First().EffectiveSize()
	return &group{members: members, hashOffset: 0, nextIncrement: min(increment, fileSize)}
}

// advance reads the next increment for every member of g, feeds it into
// each member's digest, and re-partitions by the resulting snapshot
// (steps 2-4).
func (s *Shredder) advance(g *group) {
	defer s.pending.Done()

	fileSize := g.members[0].siblings.First().EffectiveSize()
	size := g.nextIncrement

	type snap struct {
		hash string
		m    member
	}
	results := make(chan snap, len(g.members))
	var wg sync.WaitGroup

	for _, m := range g.members {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			s.sem.Acquire()
			defer s.sem.Release()

			rep := types.Representative(m.siblings)

			if g.hashOffset == 0 {
				if cached, ok := s.lookupCache(rep); ok {
					s.stats.cachedBytes.Add(uint64(fileSize))
					s.bar.Describe(s.stats)
					results <- snap{hash: cached, m: m}
					return
				}
			}

			buf := s.pool.Acquire()
			defer s.pool.Release(buf)

			if s.cfg.Devices != nil {
				dev := s.cfg.Devices.GetDevice(rep.Path)
				dev.Acquire()
				defer dev.Release()
			}

			// The increment can exceed the buffer, so read it in
			// buffer-sized pieces until all of it has been hashed.
			var n int64
			for n < size {
				got, err := readRange(rep.Path, g.hashOffset+n, size-n, buf)
				if err != nil {
					s.sendError(fmt.Errorf("%s: %w", rep.Path, err))
					return
				}
				if got == 0 {
					break
				}
				m.dig.Update(buf[:got])
				n += got
			}
			rep.HashOffset = g.hashOffset + int64(n)
			rep.SeekOffset = rep.HashOffset

			s.stats.verifiedBytes.Add(uint64(n))
			s.bar.Describe(s.stats)

			snapshot := m.dig.Snapshot()
			if g.hashOffset+int64(n) == fileSize {
				s.writeCache(rep, snapshot)
			}
			results <- snap{hash: fmt.Sprintf("%x", snapshot), m: m}
		}(m)
	}
	wg.Wait()
	close(results)

	byHash := make(map[string][]member)
	for r := range results {
		byHash[r.hash] = append(byHash[r.hash], r.m)
	}

	newOffset := g.hashOffset + size
	nextIncrement := min(g.nextIncrement*2, s.cfg.MaxIncrement)

	for _, members := range byHash {
		if len(members) < 2 {
			if s.cfg.WriteUnfinished && len(members) == 1 {
				s.emitUnique(members[0])
			}
			remaining := fileSize - newOffset
			if remaining > 0 {
				s.stats.skippedBytes.Add(uint64(remaining))
				s.bar.Describe(s.stats)
			}
			continue
		}

		child := &group{members: members, hashOffset: newOffset, parent: g}

		if newOffset >= fileSize {
			s.resultsCh <- toDuplicateGroup(members)
			continue
		}

		child.nextIncrement = min(nextIncrement, fileSize-newOffset)
		s.pending.Add(1)
		s.jobCh <- child
	}
}

func (s *Shredder) lookupCache(rep *types.FileInfo) (hexDigest string, ok bool) {
	if s.cfg.ExtAttr == nil {
		return "", false
	}
	entry, found, err := s.cfg.ExtAttr.Read(rep.Path, string(s.cfg.DigestKind))
	if err != nil || !found {
		return "", false
	}
	if !mtimeMatches(entry.ModTime, rep.ModTime) {
		// Cache inconsistency: auto-invalidate.
		_ = s.cfg.ExtAttr.Clear(rep.Path)
		return "", false
	}
	rep.Flags.CachedExternally = true
	return entry.DigestHex, true
}

func (s *Shredder) writeCache(rep *types.FileInfo, snapshot []byte) {
	if s.cfg.ExtAttr == nil {
		return
	}
	_ = s.cfg.ExtAttr.Write(rep.Path, string(s.cfg.DigestKind), fmt.Sprintf("%x", snapshot), rep.ModTime)
}

func mtimeMatches(cached, current time.Time) bool {
	diff := cached.Sub(current)
	if diff < 0 {
		diff = -diff
	}
	return diff < time.Millisecond
}

func (s *Shredder) emitUnique(m member) {
	for _, f := range m.siblings.Items() {
		f.Lint = types.LintUnique
	}
}

func toDuplicateGroup(members []member) types.DuplicateGroup {
	siblings := make([]types.SiblingGroup, 0, len(members))
	for _, m := range members {
		siblings = append(siblings, m.siblings)
	}
	return types.NewDuplicateGroup(siblings)
}

func (s *Shredder) sendError(err error) {
	if s.cfg.ErrCh != nil {
		s.cfg.ErrCh <- err
	}
}

// readRange reads up to size bytes starting at offset into buf, returning
// the number of bytes read.
func readRange(path string, offset, size int64, buf []byte) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	if int64(len(buf)) > size {
		buf = buf[:size]
	}
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return int64(n), err
	}
	return int64(n), nil
}
