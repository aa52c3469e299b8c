//go:build !windows

package socket

import (
	"os"

	"golang.org/x/sys/unix"
)

// chmodSocket narrows the permission bits on a freshly bound Unix-domain
// socket file before any peer can connect to it.
func chmodSocket(path string, mode os.FileMode) error {
	return unix.Chmod(path, uint32(mode.Perm()))
}
