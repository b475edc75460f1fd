package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/italolelis/firmware_updater/internal/install"
	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/storage"
)

// Options controls which packages DownloadsDir may delete.
type Options struct {
	BuildTimestamp int64
	// AutoDelete removes the last installed package once the device booted into it.
	AutoDelete bool
}

// DownloadsDir removes leftovers from the downloads directory: staging copies,
// the last installed package when auto delete is on, and, once per data
// directory, every file the store does not know about.
func DownloadsDir(ctx context.Context, dir string, state *install.StateStore, known []storage.UpdateRecord, opts Options) error {
	logger := logctx.LoggerFromContext(ctx).With("dir", dir)

	if err := RemoveStagingFiles(ctx, dir); err != nil {
		return err
	}

	st := state.Get()

	if (opts.BuildTimestamp != st.OldTimestamp || st.InstallAgain) && opts.AutoDelete && st.PackagePath != "" {
		if _, err := os.Stat(st.PackagePath); err == nil {
			if err := os.Remove(st.PackagePath); err != nil {
				logger.Error("Failed to delete installed package", "file", st.PackagePath, "err", err)

				return err
			}

			logger.Info("Deleted installed package", "file", st.PackagePath)

			// a later download of the same file must survive the next start
			if err := state.Update(func(s *install.State) { s.PackagePath = "" }); err != nil {
				return err
			}
		}
	}

	if st.CleanupDone {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	paths := make(map[string]struct{}, len(known))

	for _, rec := range known {
		if abs, err := filepath.Abs(rec.Path); err == nil {
			paths[abs] = struct{}{}
		}
	}

	logger.Debug("Cleaning downloads directory")

	for _, e := range entries {
		path, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}

		if _, ok := paths[path]; ok {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Error("Failed to delete unknown file", "file", path, "err", err)

			return err
		}

		logger.Info("Deleted unknown file", "file", path)
	}

	return state.Update(func(s *install.State) { s.CleanupDone = true })
}

// RemoveStagingFiles deletes the copies the legacy installer stages next to packages.
func RemoveStagingFiles(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), install.StagingExt) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logctx.LoggerFromContext(ctx).Error("Failed to delete staging file", "file", path, "err", err)

			return err
		}
	}

	return nil
}
