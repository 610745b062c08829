package session

import "os"

// CheckGetattr reports whether vpath is a reserved session-control path.
// When it is, handled is true and (ino, err) describe the fabricated
// getattr result: the session's own inode on success, or ErrNotExist if no
// matching session is open. When vpath is not a reserved path, handled is
// false and the caller should fall through to the ordinary VFS getattr.
func (m *Manager) CheckGetattr(vpath string) (handled bool, ino uint64, err error) {
	args := ParseArgs(vpath)
	if !args.Valid {
		return false, 0, nil
	}
	s := m.Get(args.Name)
	if s == nil || s.Readonly != args.Readonly || s.HmapEnabled != args.HmapEnabled {
		return true, 0, os.ErrNotExist
	}
	return true, s.Ino, nil
}

// CheckCreate opens a session if vpath is one of the reserved create
// paths.
func (m *Manager) CheckCreate(vpath string) (handled bool, err error) {
	args := ParseArgs(vpath)
	if !args.Valid {
		return false, nil
	}
	_, err = m.Start(args)
	return true, err
}

// CheckUnlink closes a session if vpath is one of the reserved unlink
// paths. The hashing flag encoded in vpath must match the session's
// hashing flag at open time.
func (m *Manager) CheckUnlink(vpath string) (handled bool, err error) {
	args := ParseArgs(vpath)
	if !args.Valid {
		return false, nil
	}
	return true, m.Stop(args.Name, args.HmapEnabled)
}
