package protocol

const (
	ClientMagic uint64 = 0x6e697863 // "cxin"
	ServerMagic uint64 = 0x6478696f // "oixd"
)

// Log frame tags written by the daemon while an operation runs.
const (
	StderrLast          uint64 = 0x616c7473
	StderrError         uint64 = 0x63787470
	StderrNext          uint64 = 0x6f6c6d67
	StderrRead          uint64 = 0x64617461
	StderrWrite         uint64 = 0x64617416
	StderrStartActivity uint64 = 0x53545254
	StderrStopActivity  uint64 = 0x53544f50
	StderrResult        uint64 = 0x52534c54
)

// StderrName names a log frame tag for diagnostics.
func StderrName(tag uint64) string {
	switch tag {
	case StderrLast:
		return "last"
	case StderrError:
		return "error"
	case StderrNext:
		return "next"
	case StderrRead:
		return "read"
	case StderrWrite:
		return "write"
	case StderrStartActivity:
		return "start_activity"
	case StderrStopActivity:
		return "stop_activity"
	case StderrResult:
		return "result"
	default:
		return "unknown"
	}
}
