package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FormatVersion is written into every file this package owns. Files with
// another version are left untouched.
const FormatVersion = 1

// ErrVersionMismatch is returned when a file on disk carries an unknown
// format version.
var ErrVersionMismatch = errors.New("storage: file format version mismatch")

// SafeName turns a radio address into something usable as a file name.
func SafeName(address string) string {
	name := strings.TrimPrefix(address, "literal:")
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", " ", "_")
	name = r.Replace(name)
	if name == "" {
		return "default"
	}
	return name
}

// readJSON loads path into v. A missing or empty file is not an error and
// reports false.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSON writes v to path via a temp file and rename so a crash never
// leaves a half-written file behind.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// checkVersion peeks at the version field of a file without decoding the rest.
func checkVersion(path string) error {
	var head struct {
		Version int `json:"version"`
	}
	ok, err := readJSON(path, &head)
	if err != nil || !ok {
		return err
	}
	if head.Version != FormatVersion {
		return fmt.Errorf("%s has version %d, want %d: %w", filepath.Base(path), head.Version, FormatVersion, ErrVersionMismatch)
	}
	return nil
}
