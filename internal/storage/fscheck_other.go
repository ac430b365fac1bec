//go:build !darwin && !linux

package storage

// Mount types are not inspected on this platform.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
