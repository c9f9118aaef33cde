package toolchain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTarget is matched by every UnknownTargetError.
var ErrUnknownTarget = errors.New("unknown target")

// UnknownTargetError reports a target that has no toolchain mapping.
type UnknownTargetError struct {
	Target Target
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target %q", e.Target)
}

// Is lets errors.Is match ErrUnknownTarget.
func (e *UnknownTargetError) Is(target error) bool {
	return target == ErrUnknownTarget
}

// DuplicateTargetError reports targets listed more than once.
type DuplicateTargetError struct {
	Targets []Target
}

func (e *DuplicateTargetError) Error() string {
	names := make([]string, len(e.Targets))
	for i, t := range e.Targets {
		names[i] = string(t)
	}
	return fmt.Sprintf("duplicate targets: %s", strings.Join(names, ", "))
}
