package wire

// Limits constrains decode memory use.
type Limits struct {
	MaxStringBytes uint64
	MaxListLen     uint64
	MaxFrameBytes  uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxStringBytes: 32 * 1024 * 1024,
		MaxListLen:     1 << 20,
		MaxFrameBytes:  32 * 1024 * 1024,
	}
}

// padding returns the number of zero bytes following n payload bytes.
func padding(n uint64) uint64 {
	return (8 - n%8) % 8
}
