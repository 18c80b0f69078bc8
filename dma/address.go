package dma

// boundaryGuard is the lowest address low word at which a buffer can reach the
// 4 GiB boundary within one DMA burst on affected chips.
const boundaryGuard = 0xffffdcc0

// SplitAddress splits a bus address into the high and low words written into a
// ring slot.
func SplitAddress(addr uint64) (high, low uint32) {
	return uint32(addr >> 32), uint32(addr)
}

// JoinAddress is the reverse of [SplitAddress].
func JoinAddress(high, low uint32) uint64 {
	return uint64(high)<<32 | uint64(low)
}

// Crosses4GBoundary reports whether a buffer of length bytes at addr trips the
// DMA erratum where a read burst straddling the first 4 GiB boundary corrupts
// data. Such buffers must be copied somewhere else before being transmitted.
func Crosses4GBoundary(addr uint64, length int) bool {
	high, low := SplitAddress(addr)
	if high != 0 || low <= boundaryGuard {
		return false
	}
	return low+8+uint32(length) < low
}
