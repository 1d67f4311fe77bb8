// Package bundle reads and writes .skill files, the ZIP packaging format
// skills are shipped in. A bundle carries manifest.json at its root plus
// the compiled entry module the manifest points at.
package bundle

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/KrizPB/buhdi-node-sub000/pkg/skill"
)

const (
	manifestName    = "manifest.json"
	maxManifestSize = 1 << 20   // 1 MiB
	maxCodeSize     = 128 << 20 // 128 MiB
)

// Bundle is the decoded content of a .skill file.
type Bundle struct {
	Manifest    *skill.Manifest
	RawManifest []byte
	Code        []byte
}

// Pack creates a .skill file at outputPath from a skill directory. The
// directory must contain manifest.json and the entry file it names.
// Hidden files and build artifacts are left out.
func Pack(skillDir, outputPath string) error {
	rawManifest, err := os.ReadFile(filepath.Join(skillDir, manifestName))
	if err != nil {
		return fmt.Errorf("reading %s: %w", manifestName, err)
	}
	manifest, problems := skill.ValidateManifest(rawManifest)
	if len(problems) > 0 {
		return fmt.Errorf("invalid manifest: %s", strings.Join(problems, "; "))
	}
	if _, err := os.Stat(filepath.Join(skillDir, filepath.FromSlash(manifest.Entry))); err != nil {
		return fmt.Errorf("entry %s: %w", manifest.Entry, err)
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating bundle: %w", err)
	}
	defer outFile.Close()

	zw := zip.NewWriter(outFile)
	defer zw.Close()

	err = filepath.Walk(skillDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(skillDir, path)
		if err != nil {
			return err
		}
		if strings.HasPrefix(filepath.Base(relPath), ".") {
			return nil
		}
		if strings.Contains(relPath, "node_modules") || strings.Contains(relPath, "target") {
			return nil
		}
		return addFile(zw, path, filepath.ToSlash(relPath))
	})
	if err != nil {
		return fmt.Errorf("packing skill: %w", err)
	}
	return nil
}

// ReadFile decodes the .skill file at path.
func ReadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}
	return Parse(data)
}

// Parse decodes a .skill file held in memory. The manifest is fully
// validated and the entry module loaded; anything else in the archive is
// ignored.
func Parse(data []byte) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening bundle: %w", err)
	}

	for _, f := range zr.File {
		if !nameIsLocal(f.Name) {
			return nil, fmt.Errorf("bundle entry %q escapes the archive root", f.Name)
		}
	}

	rawManifest, err := readMember(zr, manifestName, maxManifestSize)
	if err != nil {
		return nil, err
	}

	manifest, problems := skill.ValidateManifest(rawManifest)
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid manifest: %s", strings.Join(problems, "; "))
	}

	code, err := readMember(zr, manifest.Entry, maxCodeSize)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Manifest:    manifest,
		RawManifest: rawManifest,
		Code:        code,
	}, nil
}

func readMember(zr *zip.Reader, name string, limit int64) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		defer rc.Close()

		data, err := io.ReadAll(io.LimitReader(rc, limit+1))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		if int64(len(data)) > limit {
			return nil, fmt.Errorf("%s exceeds %d bytes", name, limit)
		}
		return data, nil
	}
	return nil, fmt.Errorf("bundle missing %s", name)
}

// nameIsLocal rejects absolute paths and parent traversal in archive
// member names.
func nameIsLocal(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator)) && !filepath.IsAbs(clean)
}

func addFile(zw *zip.Writer, srcPath, zipPath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = zipPath
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, file)
	return err
}
