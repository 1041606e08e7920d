package blob

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPutOpenExists(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	key, err := fs.Put("jobs/a/input/image.png", strings.NewReader("png"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if key != "jobs/a/input/image.png" {
		t.Fatalf("key = %q", key)
	}
	if !fs.Exists(key) || fs.Exists("jobs/a/input") {
		t.Fatal("Exists mismatch")
	}
	f, err := fs.Open(key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "png" {
		t.Fatalf("content = %q", data)
	}
}

func TestAbsRejectsEscapes(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	for _, key := range []string{"", ".", "..", "../x", "/etc/passwd", "jobs/../../x"} {
		if _, err := fs.Abs(key); err == nil {
			t.Fatalf("Abs(%q) should fail", key)
		}
	}
	if _, err := fs.Put("../outside", strings.NewReader("x")); err == nil {
		t.Fatal("Put outside root should fail")
	}
}

func TestWorkspaceLayout(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	ws := fs.Workspace("j1")
	want, _ := fs.Abs(ResultKey("j1"))
	if ws.ResultPath() != want {
		t.Fatalf("result path = %s, want %s", ws.ResultPath(), want)
	}
	if InputKey("j1", ".PNG") != "jobs/j1/input/image.png" {
		t.Fatalf("input key = %s", InputKey("j1", ".PNG"))
	}
}

func TestWorkspaceResetClearsPreviousRun(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	ws := fs.Workspace("j1")
	if err := ws.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	stale := filepath.Join(ws.SegmentDir(), "segment_000.wav")
	_ = os.WriteFile(stale, []byte("old"), 0o644)
	_ = os.WriteFile(ws.ResultPath(), []byte("old"), 0o644)
	input, err := fs.Abs(InputKey("j1", ".PNG"))
	if err != nil {
		t.Fatalf("Abs() error = %v", err)
	}
	_ = os.MkdirAll(filepath.Dir(input), 0o755)
	_ = os.WriteFile(input, []byte("img"), 0o644)

	if err := ws.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	for _, p := range []string{stale, ws.ResultPath()} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s survived reset", p)
		}
	}
	if _, err := os.Stat(input); err != nil {
		t.Fatalf("input removed: %v", err)
	}
	if _, err := os.Stat(ws.RecognitionDir()); err != nil {
		t.Fatalf("recognition dir missing: %v", err)
	}
}

func TestWorkspaceDiscard(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	ws := fs.Workspace("j1")
	_ = ws.Reset()
	_ = os.WriteFile(ws.ResultPath(), []byte("partial"), 0o644)
	if err := ws.Discard(); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := os.Stat(ws.WorkDir()); !os.IsNotExist(err) {
		t.Fatal("work dir survived")
	}
	if _, err := os.Stat(ws.ResultPath()); !os.IsNotExist(err) {
		t.Fatal("partial result survived")
	}
}
