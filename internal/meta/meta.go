// Package meta reads and writes the store's structured metadata records as
// JSON files. Writes go through a temp-file-and-rename path so that a
// concurrent reader can never observe a partially written record, even when
// an existing file is being replaced in place (tag updates rewrite meta.json
// for a published model version).
package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CorruptedMetadataError reports a metadata file whose content is present
// but unparsable. It is distinct from a not-found condition: callers skip or
// surface it explicitly rather than treating the record as absent.
type CorruptedMetadataError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *CorruptedMetadataError) Error() string {
	return fmt.Sprintf("corrupted metadata file %q: %v", e.Path, e.Err)
}

// Unwrap exposes the underlying parse error.
func (e *CorruptedMetadataError) Unwrap() error {
	return e.Err
}

// Write marshals record as indented JSON and atomically replaces path with
// it. The temp file is created in the destination directory so the final
// os.Rename stays on one filesystem and is atomic.
func Write(path string, record any) error {
	data, err := json.MarshalIndent(record, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata record for %q: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".meta-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp metadata file %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp metadata file %q: %w", tmpName, err)
	}

	// CreateTemp uses 0600; the layout is inspected by external tooling.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions on %q: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace metadata file %q: %w", path, err)
	}
	return nil
}

// Read unmarshals the JSON record at path into out. A missing file surfaces
// the underlying fs.ErrNotExist; unparsable content surfaces a
// *CorruptedMetadataError.
func Read(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &CorruptedMetadataError{Path: path, Err: err}
	}
	return nil
}
