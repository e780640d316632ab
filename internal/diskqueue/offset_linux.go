//go:build linux

package diskqueue

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fibmap is Linux's FIBMAP ioctl request number (include/uapi/linux/fs.h).
// It maps a file-relative block index to its physical block number on the
// underlying device. There is no FIEMAP wrapper in golang.org/x/sys/unix,
// and FIBMAP is the simpler of the two extent-query ioctls spec names as
// the offset-lookup source, so this is the one wired.
const fibmap = 0x1

// ExtentOracle is the real "Offset oracle" collaborator: it answers
// PhysicalOffset by querying the underlying block device through FIBMAP.
// Files on filesystems that don't support FIBMAP (most network and some
// overlay filesystems) report ok=false, and the scheduler falls back to
// inode-number ordering for them.
type ExtentOracle struct{}

// NewExtentOracle returns the Linux FIBMAP-backed OffsetOracle.
func NewExtentOracle() *ExtentOracle { return &ExtentOracle{} }

// PhysicalOffset resolves logicalOffset within path to a physical byte
// offset on its underlying device, or ok=false if the ioctl is unsupported
// or the file can't be opened.
func (ExtentOracle) PhysicalOffset(path string, logicalOffset int64) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var stat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stat); err != nil || stat.Blksize <= 0 {
		return 0, false
	}
	blockSize := uint64(stat.Blksize)
	block := uint32(uint64(logicalOffset) / blockSize)

	if err := ioctlFibmap(int(f.Fd()), &block); err != nil {
		return 0, false
	}
	if block == 0 {
		// Block 0 means "hole" for a sparse file at this offset; the
		// oracle has nothing useful to report.
		return 0, false
	}
	return uint64(block) * blockSize, true
}

// ioctlFibmap issues the FIBMAP ioctl: on entry *block holds the logical
// block index, on success it is overwritten with the physical block
// number.
func ioctlFibmap(fd int, block *uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(fibmap), uintptr(unsafe.Pointer(block)))
	if errno != 0 {
		return errno
	}
	return nil
}
