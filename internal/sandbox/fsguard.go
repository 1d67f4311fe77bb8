package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var errOutsideData = errors.New("path resolves outside the data directory")

// FileGuard confines a sandbox's file operations to its private data
// directory and enforces the manifest's disk quota.
type FileGuard struct {
	root  string
	quota int64
}

// NewFileGuard jails file access to root with a quota in bytes.
func NewFileGuard(root string, quotaBytes int64) *FileGuard {
	return &FileGuard{root: filepath.Clean(root), quota: quotaBytes}
}

// resolve maps a guest-supplied path into the data directory, rejecting
// anything that escapes it lexically or through symlinks.
func (g *FileGuard) resolve(name string) (string, error) {
	if name == "" || strings.Contains(name, "\x00") {
		return "", errOutsideData
	}
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) {
		return "", errOutsideData
	}

	full := filepath.Clean(filepath.Join(g.root, name))
	rel, err := filepath.Rel(g.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errOutsideData
	}

	// A symlink inside the jail could still point out of it. Canonicalize
	// the deepest existing ancestor and re-check.
	existing := full
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	canonical, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(g.root)
	if err != nil {
		return "", fmt.Errorf("resolving data directory: %w", err)
	}
	if canonical != canonicalRoot && !strings.HasPrefix(canonical, canonicalRoot+string(filepath.Separator)) {
		return "", errOutsideData
	}

	return full, nil
}

// Read returns the contents of a file inside the data directory.
func (g *FileGuard) Read(name string) ([]byte, error) {
	full, err := g.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Write stores data at name, creating parent directories as needed. The
// write is refused if it would push the data directory past its quota.
func (g *FileGuard) Write(name string, data []byte) error {
	full, err := g.resolve(name)
	if err != nil {
		return err
	}

	used, err := g.usage()
	if err != nil {
		return err
	}
	var existing int64
	if info, err := os.Stat(full); err == nil {
		existing = info.Size()
	}
	if used-existing+int64(len(data)) > g.quota {
		return fmt.Errorf("disk quota exceeded: %d bytes in use, %d byte quota", used, g.quota)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}

// List returns the entry names directly under name ("" or "." for the
// data directory root). Directories carry a trailing slash.
func (g *FileGuard) List(name string) ([]string, error) {
	if name == "" {
		name = "."
	}
	full, err := g.resolve(name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("listing directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name()+"/")
		} else {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Delete removes a single file.
func (g *FileGuard) Delete(name string) error {
	full, err := g.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

func (g *FileGuard) usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(g.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("measuring data directory: %w", err)
	}
	return total, nil
}
