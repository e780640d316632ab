//go:build !linux

package diskqueue

// ExtentOracle is a no-op OffsetOracle on platforms without FIBMAP; every
// lookup degrades to the scheduler's inode-number fallback ordering.
type ExtentOracle struct{}

// NewExtentOracle returns a no-op OffsetOracle outside Linux.
func NewExtentOracle() *ExtentOracle { return &ExtentOracle{} }

// PhysicalOffset always reports ok=false outside Linux.
func (ExtentOracle) PhysicalOffset(path string, logicalOffset int64) (uint64, bool) {
	return 0, false
}
