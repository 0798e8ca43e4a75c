package fsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got, err := ExpandHome("/run/udev"); err != nil || got != "/run/udev" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
	p, err := ExpandHome("~")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p != home {
		t.Fatalf("expected %q, got %q", home, p)
	}
	exp, err := ExpandHome("~/rules.d")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if want := filepath.Join(home, "rules.d"); exp != want {
		t.Fatalf("expected %q, got %q", want, exp)
	}
}

func TestTouchAndRemove(t *testing.T) {
	p := filepath.Join(t.TempDir(), "run", "udev", "queue")
	if PathExists(p) {
		t.Fatalf("marker should not exist yet")
	}
	if err := Touch(p); err != nil {
		t.Fatalf("touch: %v", err)
	}
	st, err := os.Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	old := st.ModTime().Add(-time.Hour)
	if err := os.Chtimes(p, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := Touch(p); err != nil {
		t.Fatalf("second touch: %v", err)
	}
	st, _ = os.Stat(p)
	if !st.ModTime().After(old) {
		t.Fatalf("touch did not bump mtime")
	}
	if err := RemoveIfExists(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := RemoveIfExists(p); err != nil {
		t.Fatalf("remove of missing file should succeed: %v", err)
	}
	if PathExists(p) {
		t.Fatalf("marker still present")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "serialization")
	if err := WriteFileAtomic(p, []byte(`{"a":1}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFileAtomic(p, []byte(`{"a":2}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != `{"a":2}` {
		t.Fatalf("unexpected content %q", b)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}
