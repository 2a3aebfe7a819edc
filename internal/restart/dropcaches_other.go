//go:build !linux

package restart

import "errors"

// DropCaches is unsupported outside Linux.
func DropCaches() error { return errors.New("drop caches unsupported on this platform") }
