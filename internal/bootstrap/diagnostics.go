package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/example/sheet2audio/api-go/internal/config"
	"github.com/example/sheet2audio/api-go/internal/model"
)

// Checker validates the external tools and paths a job depends on.
type Checker struct {
	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
	now        func() time.Time
}

func NewChecker() *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
		now:        time.Now,
	}
}

// Run executes all checks and returns a combined report.
func (c *Checker) Run(cfg config.Config) model.DiagnosticReport {
	items := []model.DiagnosticItem{
		c.checkTool("recognizer", cfg.AudiverisPath),
		c.checkTool("synthesizer", cfg.FluidsynthPath),
		c.checkTool("assembler", cfg.FFmpegPath),
		c.checkSoundFont(cfg.SoundFont),
		c.checkDataDir(cfg.DataDir),
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == model.DiagnosticFail {
			hasFailures = true
			break
		}
	}
	return model.DiagnosticReport{
		GeneratedAt: c.now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

func (c *Checker) checkTool(id, name string) model.DiagnosticItem {
	path, err := c.lookPath(name)
	if err != nil {
		return model.DiagnosticItem{
			ID:      "tool_" + id,
			Name:    name,
			Status:  model.DiagnosticFail,
			Message: fmt.Sprintf("Tool not found: %s", name),
			Hint:    "Install it or point the matching SCORE_*_PATH variable at the binary.",
		}
	}
	return model.DiagnosticItem{
		ID:      "tool_" + id,
		Name:    name,
		Status:  model.DiagnosticPass,
		Message: fmt.Sprintf("Found at %s", path),
	}
}

func (c *Checker) checkSoundFont(path string) model.DiagnosticItem {
	item := model.DiagnosticItem{ID: "soundfont", Name: "SoundFont"}
	if strings.TrimSpace(path) == "" {
		item.Status = model.DiagnosticFail
		item.Message = "SoundFont path is empty."
		item.Hint = "Set SCORE_SOUNDFONT to a General MIDI .sf2 file."
		return item
	}
	info, err := c.stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		item.Status = model.DiagnosticFail
		item.Message = fmt.Sprintf("SoundFont does not exist: %s", path)
		item.Hint = "Install a General MIDI SoundFont such as FluidR3_GM.sf2."
	case err != nil:
		item.Status = model.DiagnosticFail
		item.Message = fmt.Sprintf("Cannot access SoundFont: %s", path)
	case info.IsDir():
		item.Status = model.DiagnosticFail
		item.Message = fmt.Sprintf("SoundFont path is a directory: %s", path)
	default:
		item.Status = model.DiagnosticPass
		item.Message = fmt.Sprintf("SoundFont found: %s", path)
	}
	return item
}

func (c *Checker) checkDataDir(dir string) model.DiagnosticItem {
	item := model.DiagnosticItem{ID: "data_dir", Name: "Data directory"}
	if err := c.mkdirAll(dir, 0o755); err != nil {
		item.Status = model.DiagnosticFail
		item.Message = fmt.Sprintf("Cannot create data directory: %s", dir)
		return item
	}
	f, err := c.createTemp(dir, ".write-check-*")
	if err != nil {
		item.Status = model.DiagnosticFail
		item.Message = fmt.Sprintf("Data directory is not writable: %s", dir)
		item.Hint = "Choose a writable SCORE_DATA_DIR."
		return item
	}
	name := f.Name()
	_ = f.Close()
	_ = c.remove(name)

	item.Status = model.DiagnosticPass
	item.Message = fmt.Sprintf("Writable directory: %s", dir)
	return item
}
