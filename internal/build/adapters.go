package build

import (
	"context"

	"github.com/cochaviz/busybox-cross/internal/toolchain"
)

// Builder turns one Job into one stripped binary. Implementations own their
// working directory and remove it on every path.
type Builder interface {
	Build(ctx context.Context, job Job) (Output, error)
}

// Resolver maps targets to toolchains.
type Resolver interface {
	Resolve(target toolchain.Target) (toolchain.Toolchain, error)
}

// ConfigComposer produces the configuration file a target is built with.
type ConfigComposer interface {
	Compose(basePath string, target toolchain.Target) (string, error)
}
