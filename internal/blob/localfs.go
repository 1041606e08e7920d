// Package blob stores uploads and results on the local filesystem and lays
// out the per-job working directories.
package blob

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

type LocalFS struct {
	Root string
}

// Abs resolves a relative key to a filesystem path under Root. Keys that
// would escape Root are rejected.
func (l LocalFS) Abs(relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key %q", relPath)
	}
	return filepath.Join(l.Root, clean), nil
}

func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	abs, err := l.Abs(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Clean(relPath)), nil
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	abs, err := l.Abs(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l LocalFS) Exists(relPath string) bool {
	abs, err := l.Abs(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// Workspace returns the directory layout of one job.
func (l LocalFS) Workspace(jobID string) Workspace {
	return Workspace{root: filepath.Join(l.Root, "jobs", jobID), jobID: jobID}
}

// InputKey is where the uploaded image of jobID is stored.
func InputKey(jobID, ext string) string {
	return path.Join("jobs", jobID, "input", "image"+strings.ToLower(ext))
}

// ResultKey is where the final audio of jobID ends up.
func ResultKey(jobID string) string {
	return path.Join("jobs", jobID, "result", jobID+".wav")
}

// Workspace is jobs/<id>/ with a scratch work/ tree and a result/ directory.
type Workspace struct {
	root  string
	jobID string
}

func (w Workspace) WorkDir() string        { return filepath.Join(w.root, "work") }
func (w Workspace) RecognitionDir() string { return filepath.Join(w.WorkDir(), "recognition") }
func (w Workspace) SegmentDir() string     { return filepath.Join(w.WorkDir(), "segments") }
func (w Workspace) ResultPath() string {
	return filepath.Join(w.root, "result", w.jobID+".wav")
}

// Reset clears artifacts of any earlier run and recreates the work tree.
func (w Workspace) Reset() error {
	if err := w.RemoveWork(); err != nil {
		return err
	}
	if err := os.Remove(w.ResultPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, dir := range []string{w.RecognitionDir(), w.SegmentDir(), filepath.Dir(w.ResultPath())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// RemoveWork deletes the scratch tree, leaving input and result alone.
func (w Workspace) RemoveWork() error {
	return os.RemoveAll(w.WorkDir())
}

// Discard deletes the scratch tree and any result, as after a cancellation.
func (w Workspace) Discard() error {
	if err := w.RemoveWork(); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Dir(w.ResultPath()))
}
