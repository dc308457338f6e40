// Package hostprov enumerates the host's disks into a device graph. The
// engine only ever talks to the Provider interface; per-OS detail stays
// behind it so tests and other platforms can substitute their own.
package hostprov

import (
	"context"
	"errors"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
)

// ErrEnumeration wraps every provider failure so callers can classify
// without knowing which backend ran.
var ErrEnumeration = errors.New("device enumeration failed")

// Provider captures a fresh device graph. Implementations must return a
// graph that passes devgraph.Validate and must classify system disks
// conservatively: when in doubt, a disk hosts the OS.
type Provider interface {
	Enumerate(ctx context.Context) (*devgraph.DeviceGraph, error)
}

// Detect picks the best provider for the running platform.
func Detect(log zerolog.Logger) Provider {
	if runtime.GOOS == "linux" {
		return NewLinux(log)
	}
	return NewFallback(log)
}
