package media

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Bboy9090/PhoenixCore/pkg/safety"
)

const blkGetSize64 = 0x80081272

type nodeOpener struct{}

// NewOpener returns the production opener for device nodes. Regular files
// work too, which is what the tests use.
func NewOpener() Opener { return nodeOpener{} }

// OpenWrite opens path read-write. Block devices are opened with O_EXCL so
// the kernel rejects anything still mounted or claimed; EBUSY surfaces as
// the busy-device error the gate layer already knows.
func (nodeOpener) OpenWrite(path string) (Device, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	flags := os.O_RDWR
	if fi.Mode()&os.ModeDevice != 0 {
		flags |= unix.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return nil, fmt.Errorf("%w: %s is claimed by the kernel", safety.ErrDeviceBusy, path)
		}
		return nil, err
	}
	size, err := writableSize(f, fi)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileDevice{f: f, size: size}, nil
}

func writableSize(f *os.File, fi os.FileInfo) (uint64, error) {
	if fi.Mode()&os.ModeDevice == 0 {
		return uint64(fi.Size()), nil
	}
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), blkGetSize64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, fmt.Errorf("ioctl BLKGETSIZE64 %s: %w", f.Name(), errno)
	}
	return size, nil
}
