// Package settings is a small TOML file-backed preferences store. The
// tracker consults it for the metrics-enabled flag; the host application is
// free to keep other keys in the same file.
package settings

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
)

// File is a settings store persisted as one TOML document. Every Set is
// written through immediately.
type File struct {
	path string
	log  slog.Logger

	mu     sync.Mutex
	values map[string]any
}

// Open reads the settings file at path. A missing file is not an error; it
// is created on the first Set.
func Open(path string, log slog.Logger) (*File, error) {
	f := &File{
		path:   path,
		log:    log,
		values: map[string]any{},
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("read settings: %w", err)
	}
	if err := toml.Unmarshal(data, &f.values); err != nil {
		return nil, xerrors.Errorf("parse settings: %w", err)
	}
	return f, nil
}

// GetBool returns the boolean stored under key, or defaultValue when the
// key is absent or not a boolean.
func (f *File) GetBool(key string, defaultValue bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value, ok := f.values[key].(bool); ok {
		return value
	}
	return defaultValue
}

// SetBool stores a boolean under key and persists the file. Write failures
// are logged and swallowed; the in-memory value still takes effect.
func (f *File) SetBool(key string, value bool) {
	f.set(key, value)
}

// GetString returns the string stored under key, or defaultValue when the
// key is absent or not a string.
func (f *File) GetString(key, defaultValue string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value, ok := f.values[key].(string); ok {
		return value
	}
	return defaultValue
}

// SetString stores a string under key and persists the file.
func (f *File) SetString(key, value string) {
	f.set(key, value)
}

func (f *File) set(key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	if err := f.save(); err != nil {
		f.log.Warn(context.Background(), "persist settings", slog.Error(err))
	}
}

// save writes the document via a temporary file and rename so readers never
// observe a partial write. Callers must hold mu.
func (f *File) save() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f.values); err != nil {
		return xerrors.Errorf("encode settings: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return xerrors.Errorf("create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.toml")
	if err != nil {
		return xerrors.Errorf("create temporary settings file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return xerrors.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return xerrors.Errorf("replace settings: %w", err)
	}
	return nil
}
