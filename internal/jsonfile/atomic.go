// Package jsonfile provides atomic JSON file I/O, backups and structural
// repair of malformed JSON state.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrInvalidJSON is returned when content about to be written does not parse.
var ErrInvalidJSON = errors.New("invalid json")

func AtomicWrite(path string, data any) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return AtomicWriteRaw(path, append(content, '\n'))
}

func AtomicWriteRaw(path string, content []byte) error {
	if !json.Valid(content) {
		return fmt.Errorf("json validation failed: %w", ErrInvalidJSON)
	}
	return replaceFile(path, content, true)
}

// AtomicWriteText replaces a non-JSON file (notes, prompts) through the same
// temp-file and rename path. No backup is kept.
func AtomicWriteText(path string, content []byte) error {
	return replaceFile(path, content, false)
}

func replaceFile(path string, content []byte, backup bool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	// Step 1: Create temp file and write content
	tmp, err := os.CreateTemp(dir, ".rdr-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		// Clean up temp file on any failure
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	// Step 2: Keep .bak of the previous version when it was itself valid
	if backup {
		if prev, err := os.ReadFile(path); err == nil && json.Valid(prev) {
			if err := copyFile(path, path+".bak"); err != nil {
				return fmt.Errorf("create backup: %w", err)
			}
		}
	}

	// Step 3: Atomic rename
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

// WriteUnlocked writes v directly without a temp file or any lock.
// It is racy against concurrent writers and is reserved for shutdown paths
// that cannot wait on lock.Chain and where no async writer is in flight.
func WriteUnlocked(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return os.WriteFile(path, append(content, '\n'), 0644)
}

// Read decodes path into v. Missing files return an error satisfying os.IsNotExist.
func Read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
