// Package mount implements the "Mount-table oracle" collaborator:
// resolving a file's device to its underlying physical disk,
// telling rotational from nonrotational media, and flagging pseudo
// filesystems as "evil" so the scanner/scheduler can skip them.
//
// There is no dedicated Go mount-table library in the retrieval pack (the
// pack's own disk collectors hand-parse /proc and /sys the same way), so
// this package follows that ambient idiom rather than reaching for a
// third-party dependency — see DESIGN.md for the justification.
package mount

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// evilFilesystems are pseudo/virtual filesystem types whose files never
// benefit from duplicate detection and whose "devices" are synthetic.
var evilFilesystems = map[string]bool{
	"proc": true, "sysfs": true, "cgroup": true, "cgroup2": true,
	"tmpfs": true, "devpts": true, "devtmpfs": true, "pstore": true,
	"securityfs": true, "debugfs": true, "tracefs": true, "mqueue": true,
	"autofs": true, "binfmt_misc": true, "configfs": true, "fusectl": true,
	"bpf": true, "rpc_pipefs": true,
}

var networkFilesystems = map[string]bool{
	"nfs": true, "nfs4": true, "cifs": true, "smb": true, "smbfs": true,
	"afs": true, "fuse.sshfs": true,
}

// DeviceID identifies a device. For real block devices this is the
// underlying whole-disk dev_t; network mounts get one synthetic id per
// server .
type DeviceID uint64

// Table answers device-classification queries for paths, resolving the
// logical device (partition) to the physical whole-disk
type Table struct {
	mu sync.Mutex

	// mountPoints is sorted longest-prefix-first so Resolve can do a linear
	// scan and return the most specific match.
	mountPoints []mountEntry

	rotational map[DeviceID]bool
	evil       map[DeviceID]bool
	names      map[DeviceID]string

	nextSynthetic DeviceID
	serverIDs     map[string]DeviceID
}

type mountEntry struct {
	target string
	fstype string
	source string
	devno  DeviceID
}

// New builds a Table by reading /proc/self/mountinfo and the sysfs
// rotational flag for each block device. Failure to read the mount table
// degrades gracefully to a Table with no entries — every path then maps to
// one synthetic fallback device (failure semantics).
func New() (*Table, error) {
	t := &Table{
		rotational: make(map[DeviceID]bool),
		evil:       make(map[DeviceID]bool),
		names:      make(map[DeviceID]string),
		serverIDs:  make(map[string]DeviceID),
	}

	if err := t.loadMountInfo("/proc/self/mountinfo"); err != nil {
		return t, fmt.Errorf("read mount table, degrading to single synthetic device: %w", err)
	}
	return t, nil
}

func (t *Table) loadMountInfo(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		entry, ok := parseMountInfoLine(sc.Text())
		if !ok {
			continue
		}
		t.mountPoints = append(t.mountPoints, entry)

		if evilFilesystems[entry.fstype] {
			t.evil[entry.devno] = true
		}
		if networkFilesystems[entry.fstype] {
			t.evil[entry.devno] = false // network fs is not evil, just not rotational
			t.rotational[entry.devno] = false
		} else {
			t.rotational[entry.devno] = t.isRotationalDevice(entry.source)
		}
		t.names[entry.devno] = filepath.Base(entry.source)
	}

	sort.Slice(t.mountPoints, func(i, j int) bool {
		return len(t.mountPoints[i].target) > len(t.mountPoints[j].target)
	})

	return sc.Err()
}

// parseMountInfoLine parses one line of /proc/self/mountinfo. Format (see
// proc(5)): mountid parentid major:minor root mountpoint options... - fstype
// source superopts. The "-" separator's position is not fixed because the
// optional fields before it vary in count.
func parseMountInfoLine(line string) (mountEntry, bool) {
	fields := strings.Fields(line)
	sepIdx := -1
	for i, f := range fields {
		if f == "-" {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 || sepIdx+3 >= len(fields) || len(fields) < 5 {
		return mountEntry{}, false
	}

	majorMinor := strings.SplitN(fields[2], ":", 2)
	if len(majorMinor) != 2 {
		return mountEntry{}, false
	}
	major, err1 := strconv.ParseUint(majorMinor[0], 10, 32)
	minor, err2 := strconv.ParseUint(majorMinor[1], 10, 32)
	if err1 != nil || err2 != nil {
		return mountEntry{}, false
	}

	return mountEntry{
		target: fields[4],
		fstype: fields[sepIdx+1],
		source: fields[sepIdx+2],
		devno:  DeviceID(major<<20 | minor), // encode major:minor into one id; uniqueness is all that matters here
	}, true
}

// isRotationalDevice consults /sys/block/<disk>/queue/rotational for the
// whole-disk backing a source device node (e.g. "/dev/sda1" -> "sda").
// A source outside /dev (bind mount, network share, overlay) is reported as
// non-rotational; a missing sysfs entry defaults to rotational, the
// conservative choice that preserves offset-ordering benefits.
func (t *Table) isRotationalDevice(source string) bool {
	base := filepath.Base(source)
	if !strings.HasPrefix(base, "/dev/") && !strings.Contains(source, "/dev/") {
		return false // not a block device (bind mount, network share, overlay, ...)
	}
	disk := wholeDiskName(base)
	data, err := os.ReadFile(filepath.Join("/sys/block", disk, "queue", "rotational"))
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(data)) == "1"
}

// wholeDiskName strips a trailing partition number from a block device
// basename: sda1 -> sda, nvme0n1p3 -> nvme0n1, mmcblk0p1 -> mmcblk0.
func wholeDiskName(dev string) string {
	i := len(dev)
	for i > 0 && dev[i-1] >= '0' && dev[i-1] <= '9' {
		i--
	}
	trimmed := dev[:i]
	if strings.HasPrefix(dev, "nvme") || strings.HasPrefix(dev, "mmcblk") {
		if strings.HasSuffix(trimmed, "p") {
			return trimmed[:len(trimmed)-1]
		}
		return dev // no "p<N>" partition suffix, e.g. "nvme0n1" itself
	}
	if i == len(dev) {
		return dev // no trailing digits, e.g. "sda" itself
	}
	return trimmed
}

// DeviceOf resolves path to the device that should govern its I/O
// scheduling. Network mounts get a synthetic id, one per server; bind
// mounts and pseudo filesystems resolve through the longest matching mount
// point. On any lookup failure a single fallback device id is returned so
// the caller always has something to group on .
func (t *Table) DeviceOf(path string) DeviceID {
	entry, ok := t.lookup(path)
	if !ok {
		return 0 // single synthetic fallback device
	}
	if networkFilesystems[entry.fstype] {
		return t.synthServerID(entry.source)
	}
	return entry.devno
}

func (t *Table) lookup(path string) (mountEntry, bool) {
	for _, m := range t.mountPoints {
		if path == m.target || strings.HasPrefix(path, m.target+"/") || m.target == "/" {
			return m, true
		}
	}
	return mountEntry{}, false
}

func (t *Table) synthServerID(source string) DeviceID {
	server := source
	if i := strings.Index(source, ":"); i >= 0 {
		server = source[:i]
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.serverIDs[server]; ok {
		return id
	}
	t.nextSynthetic++
	id := DeviceID(1<<40) + t.nextSynthetic // keep clear of real major:minor space
	t.serverIDs[server] = id
	return id
}

// IsRotational reports whether device id is backed by rotational media.
// Unknown devices are treated as rotational (the conservative default that
// still benefits from offset ordering, just with a possibly-suboptimal
// inode-order fallback).
func (t *Table) IsRotational(id DeviceID) bool {
	r, ok := t.rotational[id]
	if !ok {
		return true
	}
	return r
}

// IsEvil reports whether files on device id should be skipped entirely
// because the filesystem is a pseudo/virtual one (tmpfs, proc, cgroup, ...).
func (t *Table) IsEvil(id DeviceID) bool {
	return t.evil[id]
}

// Name returns a human-readable disk name for progress/diagnostic output.
func (t *Table) Name(id DeviceID) string {
	if n, ok := t.names[id]; ok {
		return n
	}
	return fmt.Sprintf("device-%d", id)
}
