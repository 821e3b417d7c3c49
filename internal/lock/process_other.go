//go:build !unix

package lock

import "os"

// processAlive falls back to FindProcess, which fails for unknown pids on
// Windows. Expiry still bounds how long a dead holder blocks.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
