package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/KrizPB/buhdi-node-sub000/pkg/skill"
)

// ArchiveCap is the number of version archives kept per skill. The oldest
// beyond the cap are pruned on every archive.
const ArchiveCap = 5

// Archive snapshots the skill's current manifest and entry file under
// versions/<version>/ and returns the archived version string. Archiving the
// same version twice overwrites the earlier snapshot.
func (s *Store) Archive(name string) (string, error) {
	m, code, err := s.ReadCurrent(name)
	if err != nil {
		return "", err
	}

	dir := s.archiveDir(name, m.Version)
	entryPath := filepath.Join(dir, filepath.FromSlash(m.Entry))
	if err := os.MkdirAll(filepath.Dir(entryPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}

	manifestJSON, err := os.ReadFile(filepath.Join(s.SkillDir(name), manifestFile))
	if err != nil {
		return "", fmt.Errorf("failed to read manifest for archiving: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), manifestJSON, 0o644); err != nil {
		return "", fmt.Errorf("failed to archive manifest: %w", err)
	}
	if err := os.WriteFile(entryPath, code, 0o644); err != nil {
		return "", fmt.Errorf("failed to archive entry: %w", err)
	}

	s.logger.Info("archived version", "skill", name, "version", m.Version)

	if err := s.PruneArchives(name, ArchiveCap); err != nil {
		return "", err
	}
	return m.Version, nil
}

// Archives lists a skill's archived versions newest-first.
func (s *Store) Archives(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.SkillDir(name), versionsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archives: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return skill.CompareVersions(versions[i], versions[j]) > 0
	})
	return versions, nil
}

// PruneArchives removes the oldest archives beyond keep.
func (s *Store) PruneArchives(name string, keep int) error {
	versions, err := s.Archives(name)
	if err != nil {
		return err
	}
	for _, v := range versions[min(keep, len(versions)):] {
		if err := os.RemoveAll(s.archiveDir(name, v)); err != nil {
			return fmt.Errorf("failed to prune archive %s: %w", v, err)
		}
		s.logger.Debug("pruned archive", "skill", name, "version", v)
	}
	return nil
}

// RestoreArchive writes an archived version back as the skill's current
// version and returns its manifest.
func (s *Store) RestoreArchive(name, version string) (*skill.Manifest, error) {
	dir := s.archiveDir(name, version)

	manifestJSON, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read archived manifest: %w", err)
	}
	m, errs := skill.ValidateManifest(manifestJSON)
	if len(errs) > 0 {
		return nil, fmt.Errorf("archived manifest for %s@%s is invalid: %v", name, version, errs)
	}
	code, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(m.Entry)))
	if err != nil {
		return nil, fmt.Errorf("failed to read archived entry: %w", err)
	}

	if err := s.WriteCurrent(m, code); err != nil {
		return nil, err
	}
	s.logger.Info("restored archived version", "skill", name, "version", version)
	return m, nil
}

func (s *Store) archiveDir(name, version string) string {
	return filepath.Join(s.SkillDir(name), versionsDir, version)
}
