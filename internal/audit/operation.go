package audit

// Operation identifies the kind of mutation a log record describes. The
// numeric values and the gaps between them match the reference hpfs
// implementation's enum so that on-disk logs stay inspectable against that
// lineage; they carry no other significance.
type Operation uint32

const (
	Mkdir    Operation = 1
	Rmdir    Operation = 2
	Rename   Operation = 3
	Unlink   Operation = 6
	Chmod    Operation = 7
	Chown    Operation = 8
	Create   Operation = 10
	Write    Operation = 11
	Truncate Operation = 12
)

func (op Operation) String() string {
	switch op {
	case Mkdir:
		return "MKDIR"
	case Rmdir:
		return "RMDIR"
	case Rename:
		return "RENAME"
	case Unlink:
		return "UNLINK"
	case Chmod:
		return "CHMOD"
	case Chown:
		return "CHOWN"
	case Create:
		return "CREATE"
	case Write:
		return "WRITE"
	case Truncate:
		return "TRUNCATE"
	default:
		return "UNKNOWN"
	}
}

// WritePayload is the fixed-layout payload carried by a WRITE record.
type WritePayload struct {
	Size               uint64
	Offset             uint64
	MmapBlockSize      uint64
	MmapBlockOffset    uint64
	DataOffsetInBlock  uint64
}

// TruncatePayload is the fixed-layout payload carried by a TRUNCATE record.
type TruncatePayload struct {
	Size            uint64
	MmapBlockSize   uint64
	MmapBlockOffset uint64
}
