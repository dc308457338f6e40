package media

import "os"

type fileDevice struct {
	f    *os.File
	size uint64
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *fileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *fileDevice) Size() uint64                             { return d.size }
func (d *fileDevice) Sync() error                              { return d.f.Sync() }
func (d *fileDevice) Close() error                             { return d.f.Close() }
func (d *fileDevice) Path() string                             { return d.f.Name() }

// FileOpener backs devices with regular files. With Capacity zero the file
// reports its current size and grows on write, which is what disk-to-image
// acquisition wants; a fixed Capacity emulates a device of that size for
// tests and dry runs.
type FileOpener struct {
	Capacity uint64
}

func (o FileOpener) OpenWrite(path string) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	size := o.Capacity
	if size == 0 {
		if fi, err := f.Stat(); err == nil {
			size = uint64(fi.Size())
		}
	}
	return &fileDevice{f: f, size: size}, nil
}
