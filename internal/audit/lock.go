package audit

import (
	"golang.org/x/sys/unix"
)

// The three well-known advisory byte-range locks used as pure coordination
// primitives against the log file. No data lives at these bytes.
const (
	lockByteSession int64 = 0 // shared-read: held for the lifetime of a session
	lockByteUpdate  int64 = 1 // exclusive-write: held while reading/writing the header
)

func flock(fd int, lockType int16, start, length int64, blocking bool) error {
	how := unix.F_SETLK
	if blocking {
		how = unix.F_SETLKW
	}
	fl := unix.Flock_t{
		Type:   lockType,
		Whence: int16(unix.SEEK_SET),
		Start:  start,
		Len:    length,
	}
	for {
		err := unix.FcntlFlock(uintptr(fd), how, &fl)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// lockSession acquires byte 0 shared for the lifetime of a session.
func lockSession(fd int) error {
	return flock(fd, unix.F_RDLCK, lockByteSession, 1, true)
}

func unlockSession(fd int) error {
	return flock(fd, unix.F_UNLCK, lockByteSession, 1, true)
}

// lockUpdate acquires byte 1 exclusively across a header read-modify-write
// or while appending a record.
func lockUpdate(fd int) error {
	return flock(fd, unix.F_WRLCK, lockByteUpdate, 1, true)
}

func unlockUpdate(fd int) error {
	return flock(fd, unix.F_UNLCK, lockByteUpdate, 1, true)
}

// lockMerge acquires bytes 0-1 exclusively; a merger or truncating sync
// waits until no session is live.
func lockMerge(fd int) error {
	return flock(fd, unix.F_WRLCK, lockByteSession, 2, true)
}

func unlockMerge(fd int) error {
	return flock(fd, unix.F_UNLCK, lockByteSession, 2, true)
}
