//go:build !linux

package imaging

import "os"

func deviceSize(f *os.File, fi os.FileInfo) (uint64, bool, error) {
	return 0, false, nil
}
