package tracker

import (
	"context"
	"os"
	"path/filepath"

	"cdr.dev/slog"

	"github.com/forgelink/forgelink/usage"
)

// StoreFile is the persistence gateway for the usage store: one JSON
// document at a fixed path, read and written wholesale.
type StoreFile struct {
	path      string
	installID string
	log       slog.Logger
}

// NewStoreFile returns a gateway for the store at path. installID is stamped
// onto stores whose own identifier is empty, including fresh ones.
func NewStoreFile(path, installID string, log slog.Logger) *StoreFile {
	return &StoreFile{
		path:      path,
		installID: installID,
		log:       log,
	}
}

// Path returns the location of the backing file.
func (s *StoreFile) Path() string {
	return s.path
}

// Load reads the persisted store. It never fails outward: a missing file
// yields a fresh store, and an unreadable or unparseable file is deleted
// before falling through to a fresh store. A store that needed legacy
// migration is saved back immediately so the old document is migrated only
// once.
func (s *StoreFile) Load(ctx context.Context) *usage.Store {
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		store, migrated, err := usage.DecodeStore(data)
		if err == nil {
			if store.Model.Guid == "" {
				store.Model.Guid = s.installID
			}
			if migrated {
				s.log.Info(ctx, "migrated legacy usage store", slog.F("reports", len(store.Model.Reports)))
				s.Save(ctx, store)
			}
			return store
		}
		s.log.Warn(ctx, "discarding unreadable usage store", slog.Error(err))
		if err := os.Remove(s.path); err != nil {
			s.log.Debug(ctx, "remove unreadable usage store", slog.Error(err))
		}
	case !os.IsNotExist(err):
		s.log.Warn(ctx, "discarding unreadable usage store", slog.Error(err))
		if err := os.Remove(s.path); err != nil {
			s.log.Debug(ctx, "remove unreadable usage store", slog.Error(err))
		}
	}
	return usage.NewStore(s.installID)
}

// Save writes the store to disk. Failures are logged and swallowed; the
// next load-mutate-save cycle simply starts from whatever is on disk.
func (s *StoreFile) Save(ctx context.Context, store *usage.Store) {
	data, err := store.Encode()
	if err != nil {
		s.log.Error(ctx, "encode usage store", slog.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		s.log.Error(ctx, "create usage store directory", slog.Error(err))
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		s.log.Error(ctx, "write usage store", slog.Error(err))
	}
}
