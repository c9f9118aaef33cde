//go:build !linux

package arch

import "runtime"

// Host returns the architecture the process was compiled for.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}
