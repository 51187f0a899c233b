package wal

import "os"

// writeGarbageFile writes bytes that are not a valid segment header, for
// tests that exercise header-validation error paths.
func writeGarbageFile(path string) error {
	return os.WriteFile(path, []byte("not a wal segment header at all......"), 0644)
}
