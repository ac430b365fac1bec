package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// NetworkFilesystemError refuses a SQLite file on a network mount, where the
// file locks that serialize ClaimBatch are not reliable.
type NetworkFilesystemError struct {
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("database path %q is on network filesystem %q; SQLite claim locking requires a local disk. "+
		"Set state.path to a local file, or use state.driver: postgres when workers run on several hosts", e.Path, e.FSType)
}

// fsDetector reports the filesystem type name of an existing path.
type fsDetector func(path string) (string, error)

var networkFilesystems = []string{"afpfs", "afs", "cifs", "nfs", "smb2", "smbfs", "webdav"}

func checkLocalFilesystem(path string) error {
	return checkLocalFilesystemWith(path, detectFilesystemType)
}

func checkLocalFilesystemWith(path string, detect fsDetector) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	// The database file and its directory may not exist yet.
	dir := abs
	for {
		_, err := os.Stat(dir)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}

	fsType, err := detect(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	for _, network := range networkFilesystems {
		if fsType == network {
			return &NetworkFilesystemError{Path: path, FSType: fsType}
		}
	}
	return nil
}
