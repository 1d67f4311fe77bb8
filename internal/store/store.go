// Package store manages the on-disk layout of installed skills:
//
//	plugins/<name>/manifest.json
//	plugins/<name>/<entry>
//	plugins/<name>/data/
//	plugins/<name>/versions/<version>/
//
// The store only moves bytes; lifecycle decisions belong to the node
// manager. Every manifest passed in is expected to have come out of
// skill.ValidateManifest.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/KrizPB/buhdi-node-sub000/pkg/skill"
)

// ErrNotInstalled is returned when a skill has no current version on disk.
var ErrNotInstalled = errors.New("skill is not installed")

const (
	manifestFile = "manifest.json"
	dataDirName  = "data"
	versionsDir  = "versions"
)

// Store is the versioned on-disk representation of installed skills.
type Store struct {
	root   string
	logger *slog.Logger
}

// New opens (and creates if needed) a skill store rooted at dir.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger.With("component", "store")}, nil
}

// Root returns the store's plugins directory.
func (s *Store) Root() string { return s.root }

// SkillDir returns the directory holding one skill's current version.
func (s *Store) SkillDir(name string) string {
	return filepath.Join(s.root, name)
}

// DataDir returns the skill's private data directory, creating it if needed.
func (s *Store) DataDir(name string) (string, error) {
	dir := filepath.Join(s.SkillDir(name), dataDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	return dir, nil
}

// WriteCurrent installs m and its code bundle as the skill's current
// version, creating the skill directory on first install.
func (s *Store) WriteCurrent(m *skill.Manifest, code []byte) error {
	dir := s.SkillDir(m.Name)
	entryPath := filepath.Join(dir, filepath.FromSlash(m.Entry))
	if err := os.MkdirAll(filepath.Dir(entryPath), 0o755); err != nil {
		return fmt.Errorf("failed to create skill dir: %w", err)
	}

	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), manifestJSON, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.WriteFile(entryPath, code, 0o644); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	s.logger.Debug("wrote current version", "skill", m.Name, "version", m.Version, "bytes", len(code))
	return nil
}

// ReadManifest loads the current manifest for a skill.
func (s *Store) ReadManifest(name string) (*skill.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.SkillDir(name), manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotInstalled
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m skill.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("stored manifest for %s is corrupt: %w", name, err)
	}
	return &m, nil
}

// ReadCurrent loads the current manifest and code bundle for a skill.
func (s *Store) ReadCurrent(name string) (*skill.Manifest, []byte, error) {
	m, err := s.ReadManifest(name)
	if err != nil {
		return nil, nil, err
	}
	code, err := os.ReadFile(filepath.Join(s.SkillDir(name), filepath.FromSlash(m.Entry)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read entry for %s: %w", name, err)
	}
	return m, code, nil
}

// Installed lists the names of skills that have a current version on disk.
func (s *Store) Installed() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read store root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), manifestFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// IsInstalled reports whether a skill has a current version on disk.
func (s *Store) IsInstalled(name string) bool {
	_, err := os.Stat(filepath.Join(s.SkillDir(name), manifestFile))
	return err == nil
}

// Remove deletes a skill's entire directory, archives and data included.
func (s *Store) Remove(name string) error {
	if err := os.RemoveAll(s.SkillDir(name)); err != nil {
		return fmt.Errorf("failed to remove skill dir: %w", err)
	}
	return nil
}

// Usage sums the size of every file under the store root.
func (s *Store) Usage() (int64, error) {
	return dirSize(s.root)
}

// DataUsage sums the size of one skill's private data directory.
func (s *Store) DataUsage(name string) (int64, error) {
	size, err := dirSize(filepath.Join(s.SkillDir(name), dataDirName))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return size, err
}

// Count returns the number of installed skills.
func (s *Store) Count() (int, error) {
	names, err := s.Installed()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
