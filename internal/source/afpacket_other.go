//go:build !linux

package source

import (
	"fmt"

	"firestige.xyz/tcpfollow/internal/core"
)

// InterfaceSource is only available on Linux.
type InterfaceSource struct{ FileSource }

// OpenInterface always fails outside Linux.
func OpenInterface(cfg Config) (*InterfaceSource, error) {
	return nil, fmt.Errorf("%w: live capture on %s requires linux", core.ErrConfigInvalid, cfg.Interface)
}
