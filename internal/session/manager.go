package session

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/EvernodeXRPL/hpfs-sub000/internal/audit"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/query"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/store"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/hmap/tree"
	"github.com/EvernodeXRPL/hpfs-sub000/internal/vfs"
)

var (
	ErrRWAlreadyOpen  = xerrors.New("session: an RW session is already open")
	ErrInvalidArgs    = xerrors.New("session: invalid session arguments")
	ErrAlreadyOpen    = xerrors.New("session: a session with that name is already open")
	ErrNotFound       = xerrors.New("session: no such session")
	ErrHmapFlagMismatch = xerrors.New("session: hashing flag does not match the open request")
)

// Manager is the single process-wide structure holding every open session,
// guarded by a shared/exclusive lock (spec.md §4.H). The mount adapter
// borrows sessions under the shared side of this lock while handling
// requests.
type Manager struct {
	fsDir string

	mu       sync.RWMutex
	sessions map[string]*Session
	nextIno  uint64
}

// NewManager creates a session manager rooted at fsDir (the "F" directory
// described in spec.md §6: F/seed, F/log.hpfs, F/hmap).
func NewManager(fsDir string) *Manager {
	return &Manager{
		fsDir:    fsDir,
		sessions: make(map[string]*Session),
		nextIno:  2, // ino 1 is reserved for the mount root, as in internal/vfs.
	}
}

func (m *Manager) allocIno() uint64 {
	ino := m.nextIno
	m.nextIno++
	return ino
}

// Get returns the named session, or nil if none is open.
func (m *Manager) Get(name string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[name]
}

// Sessions returns a snapshot of ino -> name for every open session.
func (m *Manager) Sessions() map[uint64]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint64]string, len(m.sessions))
	for name, s := range m.sessions {
		out[s.Ino] = name
	}
	return out
}

// Start opens a new session per args, wiring together the audit log, the
// VFS and (if requested) the hash tree and hash query.
func (m *Manager) Start(args Args) (*Session, error) {
	if !args.Valid {
		return nil, ErrInvalidArgs
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !args.Readonly {
		if _, exists := m.sessions[RWSessionName]; exists {
			return nil, ErrRWAlreadyOpen
		}
	} else if _, exists := m.sessions[args.Name]; exists {
		return nil, ErrAlreadyOpen
	}

	logger, err := audit.Open(logPath(m.fsDir))
	if err != nil {
		return nil, err
	}
	if err := logger.AcquireSession(); err != nil {
		logger.Close()
		return nil, err
	}

	v, err := vfs.New(args.Readonly, seedDir(m.fsDir), logger)
	if err != nil {
		logger.ReleaseSession(false)
		logger.Close()
		return nil, err
	}

	s := &Session{
		Name:        args.Name,
		Readonly:    args.Readonly,
		HmapEnabled: args.HmapEnabled,
		Ino:         m.allocIno(),
		Logger:      logger,
		VFS:         v,
	}

	if args.HmapEnabled {
		st := store.New(hmapDir(m.fsDir))
		tr := tree.New(v, st)
		if err := tr.Init(); err != nil {
			v.Close()
			logger.ReleaseSession(false)
			logger.Close()
			return nil, err
		}
		s.Store = st
		s.Tree = tr
		s.Query = query.New(v, tr, st)
	}

	m.sessions[args.Name] = s
	return s, nil
}

// Stop closes the named session if the hashing flag of the close request
// matches the open, per spec.md §4.H.
func (m *Manager) Stop(name string, hmapEnabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return ErrNotFound
	}
	if s.HmapEnabled != hmapEnabled {
		return ErrHmapFlagMismatch
	}
	delete(m.sessions, name)
	return s.close()
}

// StopAll closes every open session; called when the mount is unmounted.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, s := range m.sessions {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.sessions, name)
	}
	return firstErr
}
