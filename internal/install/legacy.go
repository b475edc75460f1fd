package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/progress"
	"github.com/italolelis/firmware_updater/internal/telemetry"
	"github.com/italolelis/firmware_updater/internal/update"
)

// StagingExt is appended to the package name for the copy flashed from encrypted storage.
const StagingExt = ".uncrypt"

const defaultStagingInterval = 500 * time.Millisecond

var errInterrupted = errors.New("installation interrupted")

// Dependencies are shared by both backends.
type Dependencies struct {
	Host      Host
	State     *StateStore
	Guard     *Guard
	Run       Runner
	Telemetry *telemetry.Telemetry
}

// LegacyConfig configures the legacy backend.
type LegacyConfig struct {
	// EncryptedStorage stages a copy of the package the flasher can read before flashing.
	EncryptedStorage bool
	// BuildTimestamp is the timestamp of the running build.
	BuildTimestamp int64
	// StagingInterval bounds how often staging progress is published.
	StagingInterval time.Duration
}

// LegacyInstaller flashes whole packages. It cannot pause; an install can only
// be cancelled while the package is being staged.
type LegacyInstaller struct {
	deps    Dependencies
	flasher Flasher
	cfg     LegacyConfig

	mu           sync.Mutex
	installingID string
	canCancel    bool
	interrupted  atomic.Bool
}

func NewLegacyInstaller(deps Dependencies, flasher Flasher, cfg LegacyConfig) *LegacyInstaller {
	if cfg.StagingInterval <= 0 {
		cfg.StagingInterval = defaultStagingInterval
	}

	return &LegacyInstaller{deps: deps, flasher: flasher, cfg: cfg}
}

// Install records the install bookkeeping and flashes the package of id in the background.
func (l *LegacyInstaller) Install(ctx context.Context, id string) error {
	logger := logctx.LoggerFromContext(ctx).With("backend", BackendLegacy)

	if !l.deps.Guard.TryAcquire(id) {
		logger.WarnContext(ctx, "already installing an update")

		return ErrAlreadyInstalling
	}

	snap, ok := l.deps.Host.Update(id)
	if !ok {
		l.deps.Guard.Release(id)

		return fmt.Errorf("%w: %s", ErrUnknownUpdate, id)
	}

	// read by the boot outcome check after the reboot into the flasher
	err := l.deps.State.Update(func(st *State) {
		last := st.OldTimestamp
		if last == 0 {
			last = l.cfg.BuildTimestamp
		}

		st.InstallAgain = last == l.cfg.BuildTimestamp
		st.OldTimestamp = l.cfg.BuildTimestamp
		st.NewTimestamp = snap.Timestamp
		st.PackagePath = snap.LocalFile
		st.Notified = false
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to record install bookkeeping", "err", err)
	}

	l.mu.Lock()
	l.installingID = id
	l.interrupted.Store(false)
	l.mu.Unlock()

	l.deps.Host.ChangeStatus(id, func(r *update.Record) {
		r.Status = update.StatusInstalling
		r.InstallProgress = 0
	})

	l.deps.Run(func(ctx context.Context) {
		l.apply(logctx.WithDownloadID(ctx, id), id, snap.LocalFile)
	})

	return nil
}

func (l *LegacyInstaller) apply(ctx context.Context, id, file string) {
	logger := logctx.LoggerFromContext(ctx).With("backend", BackendLegacy)

	err := l.deps.Telemetry.InstrumentInstall(ctx, BackendLegacy, func(ctx context.Context) error {
		path := file

		if l.cfg.EncryptedStorage {
			staged, err := l.stage(ctx, id, file)
			if err != nil {
				return err
			}

			path = staged
		}

		if err := l.flasher.InstallPackage(ctx, path); err != nil {
			if path != file {
				_ = os.Remove(path)
			}

			return fmt.Errorf("failed to flash package: %w", err)
		}

		return nil
	})

	l.finish(id)

	switch {
	case errors.Is(err, errInterrupted):
		logger.InfoContext(ctx, "installation cancelled")

		l.deps.Host.ChangeStatus(id, func(r *update.Record) {
			r.Status = update.StatusInstallationCancelled
			r.InstallProgress = 0
		})
	case err != nil:
		logger.ErrorContext(ctx, "installation failed", "err", err)

		l.deps.Host.ChangeStatus(id, func(r *update.Record) {
			r.Status = update.StatusInstallationFailed
		})
	default:
		logger.InfoContext(ctx, "package handed to the flasher", "file", file)

		l.deps.Host.ChangeStatus(id, func(r *update.Record) {
			r.Status = update.StatusInstalled
			r.InstallProgress = 100
		})
	}
}

// stage copies file next to itself with the staging extension and returns the copy.
func (l *LegacyInstaller) stage(ctx context.Context, id, file string) (string, error) {
	staged := file + StagingExt

	in, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("failed to open package: %w", err)
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat package: %w", err)
	}

	out, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create staged package: %w", err)
	}

	l.setCancellable(true)
	defer l.setCancellable(false)

	pr := progress.NewReader(in, st.Size(), l.cfg.StagingInterval, func(read, total int64) {
		if total <= 0 {
			return
		}

		l.deps.Host.ChangeInstallProgress(id, func(r *update.Record) {
			r.InstallProgress = int(read * 100 / total)
		})
	})

	_, err = io.Copy(out, &interruptibleReader{r: pr, interrupted: &l.interrupted})
	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err == nil && l.interrupted.Load() {
		err = errInterrupted
	}

	if err != nil {
		_ = os.Remove(staged)

		if errors.Is(err, errInterrupted) {
			return "", err
		}

		return "", fmt.Errorf("failed to stage package: %w", err)
	}

	if err := os.Chmod(staged, 0o644); err != nil {
		_ = os.Remove(staged)

		return "", fmt.Errorf("failed to set staged package permissions: %w", err)
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "package staged",
		"file", staged, "size", humanize.Bytes(uint64(pr.BytesRead())))

	return staged, nil
}

// Cancel interrupts the staging copy. Outside of staging there is nothing to cancel.
func (l *LegacyInstaller) Cancel(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.canCancel {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "nothing to cancel", "backend", BackendLegacy)

		return false
	}

	l.interrupted.Store(true)

	return true
}

// IsInstalling reports whether a legacy install is in flight.
func (l *LegacyInstaller) IsInstalling() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.installingID != ""
}

// IsInstallingID reports whether the in-flight legacy install is the one of id.
func (l *LegacyInstaller) IsInstallingID(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.installingID != "" && l.installingID == id
}

func (l *LegacyInstaller) setCancellable(v bool) {
	l.mu.Lock()
	l.canCancel = v
	l.mu.Unlock()
}

func (l *LegacyInstaller) finish(id string) {
	l.mu.Lock()
	l.canCancel = false
	if l.installingID == id {
		l.installingID = ""
	}
	l.mu.Unlock()

	l.deps.Guard.Release(id)
}

type interruptibleReader struct {
	r           io.Reader
	interrupted *atomic.Bool
}

func (ir *interruptibleReader) Read(p []byte) (int, error) {
	if ir.interrupted.Load() {
		return 0, errInterrupted
	}

	return ir.r.Read(p)
}
