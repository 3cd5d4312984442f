package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current template snapshot and keeps it fresh from disk.
// Files are *.yaml or *.yml directly under the template directory; reloads
// are whole-directory rescans so a rename-and-replace from an editor is
// handled the same as an in-place write.
type Store struct {
	mu        sync.RWMutex
	dir       string
	debounce  time.Duration
	templates map[string]*Template
	files     map[string]string // path -> template name it last supplied
	sums      map[string]string // template name -> source digest
	onReload  []func(changed []string)
	logger    *slog.Logger
}

// NewStore creates a Store rooted at dir. Call Load before first use.
func NewStore(dir string, debounce time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Store{
		dir:       dir,
		debounce:  debounce,
		templates: make(map[string]*Template),
		files:     make(map[string]string),
		sums:      make(map[string]string),
		logger:    logger.With("component", "template.Store"),
	}
}

// Load performs the initial scan, creating the directory when it does not
// exist yet so a zero-config daemon starts with an empty template set.
func (s *Store) Load() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create template dir: %w", err)
	}
	s.rescan(false)
	return nil
}

// Reload rescans the directory and notifies OnReload subscribers about
// templates that were added, changed, or removed.
func (s *Store) Reload() {
	s.rescan(true)
}

// Get returns the named template.
func (s *Store) Get(name string) (*Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// List returns every loaded template sorted by name.
func (s *Store) List() []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnReload registers a callback invoked after each reload with the sorted
// names of templates whose content changed. Register before Watch.
func (s *Store) OnReload(fn func(changed []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// Watch starts the fsnotify loop. Bursts of events (editors write, rename,
// and chmod in quick succession) collapse into one rescan per debounce
// window. The loop stops when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	s.logger.Info("watching template directory", "dir", s.dir, "debounce", s.debounce)
	go s.watchLoop(ctx, watcher)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isTemplateFile(filepath.Base(ev.Name)) {
				continue
			}
			s.logger.Debug("template file event", "op", ev.Op.String(), "file", filepath.Base(ev.Name))
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				timerC = timer.C
			} else {
				timer.Reset(s.debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			s.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("template watcher error", "error", err)
		}
	}
}

// rescan rebuilds the snapshot from disk. A file that fails to parse keeps
// the template it previously supplied, so a bad edit degrades to a warning
// instead of silently widening policy.
func (s *Store) rescan(notify bool) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("failed to read template dir", "dir", s.dir, "error", err)
		return
	}

	s.mu.Lock()
	next := make(map[string]*Template)
	nextFiles := make(map[string]string)
	nextSums := make(map[string]string)

	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())

		data, err := os.ReadFile(path)
		var res *ValidationResult
		if err != nil {
			s.logger.Warn("failed to read template file", "file", e.Name(), "error", err)
		} else {
			res = Validate(data)
		}

		if res == nil || !res.Valid {
			if res != nil {
				s.logger.Warn("template rejected, keeping previous version",
					"file", e.Name(), "errors", strings.Join(res.Errors, "; "))
			}
			// Carry forward whatever this file supplied last time.
			if prev := s.files[path]; prev != "" {
				if old, ok := s.templates[prev]; ok && next[prev] == nil {
					next[prev] = old
					nextFiles[path] = prev
					nextSums[prev] = s.sums[prev]
				}
			}
			continue
		}

		for _, w := range res.Warnings {
			s.logger.Warn("template warning", "file", e.Name(), "warning", w)
		}

		t := res.Parsed
		if _, dup := next[t.Name]; dup {
			s.logger.Warn("duplicate template name, keeping first",
				"name", t.Name, "file", e.Name())
			continue
		}
		next[t.Name] = t
		nextFiles[path] = t.Name
		sum := sha256.Sum256(data)
		nextSums[t.Name] = hex.EncodeToString(sum[:])
	}

	var changed []string
	for name, sum := range nextSums {
		if s.sums[name] != sum {
			changed = append(changed, name)
		}
	}
	for name := range s.templates {
		if _, ok := next[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)

	s.templates = next
	s.files = nextFiles
	s.sums = nextSums
	callbacks := s.onReload
	s.mu.Unlock()

	if len(changed) > 0 {
		s.logger.Info("templates reloaded", "count", len(next), "changed", changed)
	}
	if notify && len(changed) > 0 {
		for _, fn := range callbacks {
			fn(changed)
		}
	}
}

func isTemplateFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
