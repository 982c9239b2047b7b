package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// loadJSON reads a persisted tracker file into out. A missing file is not an
// error — the tracker starts empty. A corrupt file is logged and treated as
// empty so a bad state file never aborts startup.
func loadJSON(path string, out any, logger *slog.Logger) bool {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false
	}
	if err != nil {
		logger.Warn("tracker load failed, starting empty",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger.Warn("tracker file corrupt, starting empty",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// saveJSON atomically writes v to path via a sibling temp file and rename.
func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tracker save: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("tracker save: create temp: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(name)
		if werr != nil {
			return fmt.Errorf("tracker save: write: %w", werr)
		}
		return fmt.Errorf("tracker save: close: %w", cerr)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("tracker save: rename: %w", err)
	}
	return nil
}
