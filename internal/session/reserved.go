package session

import "strings"

// Reserved top-level paths and prefixes that open/close sessions instead of
// addressing the virtual filesystem (spec.md §4.H).
const (
	RWHmapFile   = "/::hpfs.rw.hmap"
	RWFile       = "/::hpfs.rw"
	ROHmapPrefix = "/::hpfs.ro.hmap."
	ROPrefix     = "/::hpfs.ro."

	RWSessionName = "rw"
)

// Args is the parsed intent of a reserved session-control path.
type Args struct {
	Valid       bool
	Readonly    bool
	Name        string
	HmapEnabled bool
}

// ParseArgs recognizes the four reserved forms by exact prefix/suffix
// match, mirroring the reference's parse_session_args. Order matters: the
// hmap-prefixed forms must be checked before their plain counterparts,
// since "/::hpfs.ro." is also a prefix of "/::hpfs.ro.hmap.x"; checked the
// other way round, that path would open an RO session named "hmap.x" with
// hashing disabled.
func ParseArgs(vpath string) Args {
	switch {
	case vpath == RWHmapFile:
		return Args{Valid: true, Readonly: false, Name: RWSessionName, HmapEnabled: true}
	case vpath == RWFile:
		return Args{Valid: true, Readonly: false, Name: RWSessionName, HmapEnabled: false}
	case strings.HasPrefix(vpath, ROHmapPrefix):
		name := vpath[len(ROHmapPrefix):]
		if name == "" || name == RWSessionName {
			return Args{}
		}
		return Args{Valid: true, Readonly: true, Name: name, HmapEnabled: true}
	case strings.HasPrefix(vpath, ROPrefix):
		name := vpath[len(ROPrefix):]
		if name == "" || name == RWSessionName {
			return Args{}
		}
		return Args{Valid: true, Readonly: true, Name: name, HmapEnabled: false}
	default:
		return Args{}
	}
}
