package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SchemaVersion is the data directory layout version. Written once at first
// run; a mismatch at startup means the directory was produced by a different
// release. Mismatches are logged, never fatal.
const SchemaVersion = "1.0.0"

const versionFile = "schema_version.txt"

// WriteSchemaVersion persists the version marker unless one already exists.
func WriteSchemaVersion(dataDir string) error {
	path := filepath.Join(dataDir, versionFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("store: version marker dir: %w", err)
	}
	if err := atomicWriteFile(path, []byte(SchemaVersion+"\n")); err != nil {
		return fmt.Errorf("store: write version marker: %w", err)
	}
	return nil
}

// ReadSchemaVersion returns the persisted marker, or "" if none exists yet.
func ReadSchemaVersion(dataDir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, versionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("store: read version marker: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
