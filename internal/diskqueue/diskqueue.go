// Package diskqueue implements a disk-aware I/O scheduler: files are grouped
// by physical device, ordered by on-disk offset for rotational media, and
// run with a per-device concurrency bound.
//
// The concurrency shape — semaphore-bounded goroutines, a WaitGroup per
// device, fan-out driven by the caller — follows internal/scanner's
// walkerSem/walkerWg idiom, generalised from "one semaphore for the whole
// scan" to "one queue and one semaphore per device".
package diskqueue

import (
	"sort"
	"sync"

	"github.com/ivoronin/dupedog/internal/mount"
	"github.com/ivoronin/dupedog/internal/types"
)

// OffsetOracle resolves a file's physical on-disk offset. It is an
// optional collaborator: a nil OffsetOracle (or one that returns ok=false
// for a given file) makes the scheduler fall back to inode-number
// ordering for that file.
type OffsetOracle interface {
	PhysicalOffset(path string, logicalOffset int64) (offset uint64, ok bool)
}

// Task is one unit of scheduled work: read path starting at its current
// seek offset. The scheduler only orders tasks; it does not perform I/O
// itself — Run's callback does.
type Task struct {
	File *types.FileInfo
}

// Device is a per-device queue of files, ordered by physical offset
// (rotational) or insertion order (nonrotational), with its own
// concurrency bound.
type Device struct {
	id          mount.DeviceID
	rotational  bool
	concurrency int
	sem         types.Semaphore

	mu    sync.Mutex
	tasks []Task
}

// Acquire blocks until the device has a free reader slot. Callers that
// issue their own reads outside Run/Drain (the shredder's incremental
// advance, which cannot queue a whole file at once) use this directly to
// stay within the device's configured concurrency.
func (d *Device) Acquire() { d.sem.Acquire() }

// Release returns a reader slot acquired via Acquire.
func (d *Device) Release() { d.sem.Release() }

// Scheduler discovers devices for incoming files and drives per-device
// work queues at an appropriate parallelism.
type Scheduler struct {
	table            *mount.Table
	oracle           OffsetOracle
	threadsPerDisk   int
	nonrotationalPar int

	mu      sync.Mutex
	devices map[mount.DeviceID]*Device
}

// New creates a Scheduler. threadsPerDisk bounds concurrency for rotational
// devices (typically 1, to minimise seeking); nonrotationalConcurrency
// bounds concurrency for solid-state/network devices (typically
// runtime.NumCPU()).
func New(table *mount.Table, oracle OffsetOracle, threadsPerDisk, nonrotationalConcurrency int) *Scheduler {
	if threadsPerDisk < 1 {
		threadsPerDisk = 1
	}
	if nonrotationalConcurrency < 1 {
		nonrotationalConcurrency = 1
	}
	return &Scheduler{
		table:            table,
		oracle:           oracle,
		threadsPerDisk:   threadsPerDisk,
		nonrotationalPar: nonrotationalConcurrency,
		devices:          make(map[mount.DeviceID]*Device),
	}
}

// GetDevice resolves path to its device handle, discovering and caching a
// new Device on first use. Pseudo filesystems are still given a Device (the
// caller is expected to check IsEvil via Table before calling Submit).
func (s *Scheduler) GetDevice(path string) *Device {
	id := s.table.DeviceOf(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		return d
	}

	rotational := s.table.IsRotational(id)
	concurrency := s.nonrotationalPar
	if rotational {
		concurrency = s.threadsPerDisk
	}
	d := &Device{id: id, rotational: rotational, concurrency: concurrency, sem: types.NewSemaphore(concurrency)}
	s.devices[id] = d
	return d
}

// Submit attaches a file to its device's queue.
func (d *Device) Submit(f *types.FileInfo) {
	d.mu.Lock()
	d.tasks = append(d.tasks, Task{File: f})
	d.mu.Unlock()
}

// Reorder re-sorts the device's queue by physical offset (rotational
// devices only), falling back to inode order if the offset oracle can't
// answer for a file. Called periodically by Run once a significant
// fraction of files has been processed.
func (d *Device) Reorder(oracle OffsetOracle) {
	if !d.rotational {
		return // no ordering imposed on nonrotational devices
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	type keyed struct {
		task Task
		key  uint64
		ok   bool
	}
	keys := make([]keyed, len(d.tasks))
	for i, t := range d.tasks {
		if oracle != nil {
			if off, ok := oracle.PhysicalOffset(t.File.Path, t.File.SeekOffset); ok {
				keys[i] = keyed{task: t, key: off, ok: true}
				continue
			}
		}
		keys[i] = keyed{task: t, key: t.File.Ino, ok: false}
	}

	sort.SliceStable(keys, func(i, j int) bool {
		// Offset-resolved entries sort before inode-fallback entries so that
		// a partial oracle failure doesn't scramble the files it *did*
		// resolve.
		if keys[i].ok != keys[j].ok {
			return keys[i].ok
		}
		return keys[i].key < keys[j].key
	})

	for i, k := range keys {
		d.tasks[i] = k.task
	}
}

// Concurrency returns the device's configured reader parallelism.
func (d *Device) Concurrency() int { return d.concurrency }

// IsRotational reports whether this device is rotational media.
func (d *Device) IsRotational() bool { return d.rotational }

// Drain returns and clears the device's current task queue. Run loops call
// this to pull a batch, reorder between batches as files are processed.
func (d *Device) Drain() []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := d.tasks
	d.tasks = nil
	return tasks
}

// Run executes fn for every queued task across all devices concurrently,
// honoring each device's own concurrency bound, and blocks until every
// device's queue is drained. Run may be invoked concurrently for different
// Scheduler instances but processes all of this Scheduler's devices in one
// call, running every device's worker pool in parallel.
func (s *Scheduler) Run(fn func(*types.FileInfo)) {
	s.mu.Lock()
	devices := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			d.run(s.oracle, fn)
		}(d)
	}
	wg.Wait()
}

// run drains and processes this device's queue at its configured
// concurrency. Rotational devices are re-sorted by physical offset in
// quarter-sized batches, re-sorting each time a significant fraction of
// files has been processed; each batch fully completes before the next is
// drawn and reordered, so later offsets always reflect the latest Reorder
// pass.
func (d *Device) run(oracle OffsetOracle, fn func(*types.FileInfo)) {
	d.Reorder(oracle)
	tasks := d.Drain()
	if len(tasks) == 0 {
		return
	}

	batchSize := len(tasks)
	if d.rotational {
		batchSize = max(1, len(tasks)/4)
	}

	for start := 0; start < len(tasks); start += batchSize {
		end := min(start+batchSize, len(tasks))
		batch := tasks[start:end]

		var wg sync.WaitGroup
		for _, t := range batch {
			wg.Add(1)
			go func(t Task) {
				defer wg.Done()
				d.Acquire()
				defer d.Release()
				fn(t.File)
			}(t)
		}
		wg.Wait()

		if d.rotational && end < len(tasks) {
			d.mu.Lock()
			d.tasks = tasks[end:]
			d.mu.Unlock()
			d.Reorder(oracle)
			tasks = append(tasks[:end], d.Drain()...)
		}
	}
}
