//go:build linux

package arch

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// Host returns the architecture of the running kernel. The machine field of
// uname(2) is preferred over GOARCH so a 32-bit build on a 64-bit kernel
// still reports the kernel's native architecture.
func Host() Architecture {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		if arch := Normalize(unix.ByteSliceToString(uts.Machine[:])); arch != "" {
			return arch
		}
	}
	return Normalize(runtime.GOARCH)
}
