package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/KrizPB/buhdi-node-sub000/internal/bundle"
)

const sideloadDebounce = 500 * time.Millisecond

var zipMagic = []byte("PK\x03\x04")

// Sideloader watches a development drop-in directory. A dropped .skill
// bundle or skill directory deploys through the normal pipeline with the
// provenance bypass flag. Off unless the config enables it.
type Sideloader struct {
	manager  *Manager
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewSideloader builds a watcher over dir.
func NewSideloader(manager *Manager, dir string, logger *slog.Logger) *Sideloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sideloader{
		manager:  manager,
		dir:      dir,
		debounce: sideloadDebounce,
		logger:   logger.With("component", "sideload"),
		timers:   make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled.
func (s *Sideloader) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating sideload dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}
	s.logger.Info("sideload watcher running", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			s.drainTimers()
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			s.schedule(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", "error", err)
		}
	}
}

// schedule debounces bursts of events for the same path; editors and copy
// tools fire many writes per drop.
func (s *Sideloader) schedule(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[path]; ok {
		t.Stop()
	}
	s.timers[path] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, path)
		s.mu.Unlock()
		s.deployPath(path)
	})
}

func (s *Sideloader) drainTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, t := range s.timers {
		t.Stop()
		delete(s.timers, path)
	}
}

func (s *Sideloader) deployPath(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return // deleted before the debounce fired
	}

	var manifest, code []byte
	if info.IsDir() {
		manifest, code, err = readSkillDir(path)
	} else {
		manifest, code, err = readSkillFile(path)
	}
	if err != nil {
		s.logger.Warn("dropped item is not deployable", "path", path, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result := s.manager.Deploy(ctx, DeployCommand{
		Manifest:    manifest,
		Code:        code,
		Bypass:      true,
		InitiatedBy: "sideload",
	})
	s.logger.Info("sideload deploy finished", "path", path,
		"skill", result.Skill, "status", result.Status, "reasons", result.Reasons)
}

// readSkillFile accepts a bundle archive, sniffed by zip magic whatever
// the file is named.
func readSkillFile(path string) ([]byte, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.HasPrefix(data, zipMagic) {
		return nil, nil, errors.New("not a skill bundle")
	}
	b, err := bundle.Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return b.RawManifest, b.Code, nil
}

// readSkillDir accepts an unpacked skill directory carrying manifest.json
// or skill.yaml next to its entry file.
func readSkillDir(dir string) ([]byte, []byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		yamlRaw, yerr := os.ReadFile(filepath.Join(dir, "skill.yaml"))
		if yerr != nil {
			return nil, nil, errors.New("no manifest.json or skill.yaml")
		}
		var doc map[string]any
		if err := yaml.Unmarshal(yamlRaw, &doc); err != nil {
			return nil, nil, fmt.Errorf("parsing skill.yaml: %w", err)
		}
		raw, err = json.Marshal(doc)
		if err != nil {
			return nil, nil, err
		}
	}

	var meta struct {
		Entry string `json:"entry"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if meta.Entry == "" {
		return nil, nil, errors.New("manifest has no entry")
	}
	code, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(meta.Entry)))
	if err != nil {
		return nil, nil, fmt.Errorf("reading entry: %w", err)
	}
	return raw, code, nil
}
