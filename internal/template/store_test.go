package template

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeTemplate(t *testing.T, dir, file, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(src), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", file, err)
	}
}

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s := NewStore(dir, 20*time.Millisecond, testLogger())
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return s
}

func TestLoadAndList(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "b.yaml", "name: beta\nallow: [\"llm.*\"]\n")
	writeTemplate(t, dir, "a.yml", "name: alpha\nask: [\"email.send:*\"]\n")
	writeTemplate(t, dir, "notes.txt", "not a template")

	s := newTestStore(t, dir)

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d templates, want 2", len(list))
	}
	if list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Fatalf("List() order = %s, %s", list[0].Name, list[1].Name)
	}

	if _, ok := s.Get("alpha"); !ok {
		t.Fatal("Get(alpha) missing")
	}
	if _, ok := s.Get("notes"); ok {
		t.Fatal("non-template file was loaded")
	}
}

func TestLoadCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	s := NewStore(dir, 0, testLogger())
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("template dir not created: %v", err)
	}
}

func TestReloadPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "p.yaml", "name: p\nversion: 1\nallow: [\"a.b\"]\n")
	s := newTestStore(t, dir)

	writeTemplate(t, dir, "p.yaml", "name: p\nversion: 2\nallow: [\"a.b\", \"c.d\"]\n")
	s.Reload()

	tpl, ok := s.Get("p")
	if !ok {
		t.Fatal("template vanished after reload")
	}
	if tpl.Version != 2 || len(tpl.Allow) != 2 {
		t.Fatalf("reload did not apply edit: %+v", tpl)
	}
}

func TestReloadKeepsOldOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "p.yaml", "name: p\nversion: 1\nblock: [\"shell.exec:*\"]\n")
	s := newTestStore(t, dir)

	writeTemplate(t, dir, "p.yaml", "name: p\nblock: [::broken\n")
	s.Reload()

	tpl, ok := s.Get("p")
	if !ok {
		t.Fatal("parse failure dropped the previous template")
	}
	if tpl.Version != 1 || len(tpl.Block) != 1 {
		t.Fatalf("previous template not preserved: %+v", tpl)
	}
}

func TestReloadRemovesDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "gone.yaml", "name: gone\nallow: [\"a.b\"]\n")
	s := newTestStore(t, dir)

	if err := os.Remove(filepath.Join(dir, "gone.yaml")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	s.Reload()

	if _, ok := s.Get("gone"); ok {
		t.Fatal("deleted template still listed")
	}
}

func TestOnReloadReportsChangedNames(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.yaml", "name: a\nallow: [\"x.y\"]\n")
	writeTemplate(t, dir, "b.yaml", "name: b\nallow: [\"x.y\"]\n")
	s := newTestStore(t, dir)

	var got []string
	s.OnReload(func(changed []string) { got = append(got, changed...) })

	writeTemplate(t, dir, "a.yaml", "name: a\nversion: 2\nallow: [\"x.y\"]\n")
	s.Reload()

	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("changed = %v, want [a]", got)
	}

	// Unchanged content must not notify.
	got = nil
	s.Reload()
	if len(got) != 0 {
		t.Fatalf("no-op reload notified: %v", got)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeTemplate(t, dir, "live.yaml", "name: live\nallow: [\"a.b\"]\n")

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := s.Get("live"); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("watcher never loaded the new template")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
