//go:build !linux

package media

import "os"

type nodeOpener struct{}

// NewOpener returns an opener for regular files. Raw device access outside
// Linux needs platform volume locking this build does not carry.
func NewOpener() Opener { return nodeOpener{} }

func (nodeOpener) OpenWrite(path string) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileDevice{f: f, size: uint64(fi.Size())}, nil
}
