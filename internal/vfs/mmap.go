package vfs

import (
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// unsafeBytes views length bytes starting at addr as a byte slice. addr
// must come from a live mmap mapping obtained through mmapRegion/mmapFixed.
func unsafeBytes(addr uintptr, length int64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length))
}

// mmapRegion establishes a fresh read-only shared mapping of size length
// for fd at the given source offset, letting the kernel choose the
// address. It is used for the first segment of a composite file mapping,
// after which subsequent segments are placed with mmapFixed.
//
// x/sys/unix's portable Mmap helper always picks its own address and
// returns a []byte, which is sufficient here, but composite remapping
// needs MAP_FIXED at a caller-chosen address that unix.Mmap does not
// expose; that case goes through the raw SYS_MMAP syscall in mmapFixed
// below, so both helpers talk directly to the kernel for consistency.
func mmapRegion(fd int, offset int64, length int64) (uintptr, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, uintptr(length),
		uintptr(unix.PROT_READ), uintptr(unix.MAP_SHARED), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, xerrors.Errorf("vfs: mmap: %w", errno)
	}
	return addr, nil
}

// mmapFixed maps fd's [offset, offset+length) at exactly addr, overlaying
// whatever was mapped there before. This is the composite-mmap mechanism:
// each data segment after the first is remapped into place over the
// region reserved by the initial mmapRegion call.
func mmapFixed(addr uintptr, fd int, offset int64, length int64) error {
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length),
		uintptr(unix.PROT_READ), uintptr(unix.MAP_SHARED|unix.MAP_FIXED), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return xerrors.Errorf("vfs: mmap fixed: %w", errno)
	}
	if r1 != addr {
		return xerrors.Errorf("vfs: mmap fixed returned unexpected address")
	}
	return nil
}

func munmap(addr uintptr, length int64) error {
	if addr == 0 || length == 0 {
		return nil
	}
	_, _, errno := unix.Syscall6(unix.SYS_MUNMAP, addr, uintptr(length), 0, 0, 0, 0)
	if errno != 0 {
		return xerrors.Errorf("vfs: munmap: %w", errno)
	}
	return nil
}
