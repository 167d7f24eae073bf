package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LastProcessed marks the most recent snapshot the worker finished, so a
// restart resumes discovery after it instead of reprocessing the tree.
type LastProcessed struct {
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

// ReadLastProcessed loads the marker. A missing or unreadable file returns
// the zero value; the worker then treats everything on disk as new.
func ReadLastProcessed(path string) LastProcessed {
	var lp LastProcessed
	raw, err := os.ReadFile(path)
	if err != nil {
		return lp
	}
	if err := json.Unmarshal(raw, &lp); err != nil {
		return LastProcessed{}
	}
	return lp
}

// WriteLastProcessed persists the marker atomically (temp file + rename),
// so a crash mid-write leaves the previous marker intact.
func WriteLastProcessed(path string, lp LastProcessed) error {
	data, err := json.MarshalIndent(lp, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal last-processed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: last-processed dir: %w", err)
	}
	if err := atomicWriteFile(path, data); err != nil {
		return fmt.Errorf("store: write last-processed: %w", err)
	}
	return nil
}

func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".yardwatch-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
