//go:build windows

package socket

import "os"

// chmodSocket is a no-op on Windows: named Unix-domain sockets there carry
// no POSIX permission bits to narrow.
func chmodSocket(path string, mode os.FileMode) error {
	return nil
}
