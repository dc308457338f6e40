//go:build linux

package imaging

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BLKGETSIZE64 asks the kernel for a block device's byte size; stat on a
// device node reports 0.
const blkGetSize64 = 0x80081272

func deviceSize(f *os.File, fi os.FileInfo) (uint64, bool, error) {
	mode := fi.Mode()
	if mode&os.ModeDevice == 0 || mode&os.ModeCharDevice != 0 {
		return 0, false, nil
	}
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), blkGetSize64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, true, errno
	}
	return size, true, nil
}
