//go:build !unix

package dispatch

import "os"

// readLocked falls back to a plain read where flock is unavailable. Writers still
// publish by rename, so a reader never sees a partial artifact.
func readLocked(path string) ([]byte, error) {
	return os.ReadFile(path)
}
