package install

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/update"
)

// StreamingConfig configures the streaming backend.
type StreamingConfig struct {
	// AutoDelete removes the package once it has been applied.
	AutoDelete bool
}

// StreamingInstaller drives the platform streaming engine. The in-flight update
// is kept in the durable state, so a restarted process can Reconnect to an
// engine that kept applying the payload.
type StreamingInstaller struct {
	deps   Dependencies
	engine Engine
	cfg    StreamingConfig
	// ctx carries the logger used by engine callbacks.
	ctx context.Context

	mu         sync.Mutex
	downloadID string
	bound      bool
	progress   int
	finalizing bool
}

func NewStreamingInstaller(ctx context.Context, deps Dependencies, engine Engine, cfg StreamingConfig) *StreamingInstaller {
	logger := logctx.LoggerFromContext(ctx).With("backend", BackendStreaming)

	return &StreamingInstaller{
		deps:   deps,
		engine: engine,
		cfg:    cfg,
		ctx:    logctx.WithLogger(context.WithoutCancel(ctx), logger),
	}
}

// Install hands the payload of id to the engine.
func (s *StreamingInstaller) Install(ctx context.Context, id string) error {
	logger := logctx.LoggerFromContext(ctx).With("backend", BackendStreaming)

	if !s.deps.Guard.TryAcquire(id) {
		logger.WarnContext(ctx, "already installing an update")

		return ErrAlreadyInstalling
	}
	defer s.deps.Guard.Release(id)

	return s.deps.Telemetry.InstrumentInstall(ctx, BackendStreaming, func(ctx context.Context) error {
		err := s.apply(ctx, id)
		if err != nil {
			logger.ErrorContext(ctx, "could not start the installation", "err", err)

			s.deps.Host.ChangeStatus(id, func(r *update.Record) {
				r.Status = update.StatusInstallationFailed
			})
		}

		return err
	})
}

func (s *StreamingInstaller) apply(ctx context.Context, id string) error {
	snap, ok := s.deps.Host.Update(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUpdate, id)
	}

	path, err := filepath.Abs(snap.LocalFile)
	if err != nil {
		return fmt.Errorf("failed to resolve package path: %w", err)
	}

	offset, err := ZipEntryOffset(path, PayloadBinary)
	if err != nil {
		return fmt.Errorf("could not locate the payload: %w", err)
	}

	props, err := ReadPayloadProperties(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.downloadID = id
	s.mu.Unlock()

	if !s.bind() {
		return ErrNotBound
	}

	s.engine.SetPerformanceMode(s.deps.State.Get().PerformanceMode)

	// persisted first so an engine callback racing the apply call finds the id
	if err := s.deps.State.Update(func(st *State) { st.InstallingID = id }); err != nil {
		return err
	}

	if err := s.engine.ApplyPayload("file://"+path, offset, props); err != nil {
		s.installationDone(ctx, false)

		return fmt.Errorf("failed to apply payload: %w", err)
	}

	s.deps.Host.ChangeStatus(id, func(r *update.Record) {
		r.Status = update.StatusInstalling
		r.InstallProgress = 0
		r.Finalizing = false
	})

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "payload handed to the streaming engine",
		"offset", offset, "properties", len(props))

	return nil
}

// Reconnect binds to the engine for the install recorded in the durable state.
func (s *StreamingInstaller) Reconnect(ctx context.Context) bool {
	logger := logctx.LoggerFromContext(ctx).With("backend", BackendStreaming)

	if !s.IsInstalling() {
		logger.InfoContext(ctx, "not installing an update, nothing to reconnect")

		return false
	}

	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()

	if bound {
		return true
	}

	st := s.deps.State.Get()

	s.mu.Lock()
	s.downloadID = st.InstallingID
	if st.InstallingID == "" {
		s.downloadID = st.NeedsRebootID
	}
	s.mu.Unlock()

	if st.SuspendedID != "" {
		s.deps.Host.ChangeStatus(st.SuspendedID, func(r *update.Record) {
			r.Status = update.StatusInstallationSuspended
			r.InstallProgress = st.SuspendedProgress
			r.Finalizing = st.SuspendedFinalizing
		})
	}

	if !s.bind() {
		logger.ErrorContext(ctx, "could not bind to the streaming engine")

		return false
	}

	logger.InfoContext(ctx, "reconnected to the streaming engine", "download_id", s.currentID())

	return true
}

// Cancel stops the payload application.
func (s *StreamingInstaller) Cancel(ctx context.Context) bool {
	if !s.ready(ctx, "cancel") {
		return false
	}

	if err := s.engine.Cancel(); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to cancel the streaming engine", "err", err)

		return false
	}

	id := s.currentID()
	s.installationDone(ctx, false)

	s.deps.Host.ChangeStatus(id, func(r *update.Record) {
		r.Status = update.StatusInstallationCancelled
		r.InstallProgress = 0
	})

	return true
}

// Suspend pauses the engine and remembers where it was for Resume.
func (s *StreamingInstaller) Suspend(ctx context.Context) bool {
	if !s.ready(ctx, "suspend") {
		return false
	}

	if err := s.engine.Suspend(); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to suspend the streaming engine", "err", err)

		return false
	}

	s.mu.Lock()
	id, pct, fin := s.downloadID, s.progress, s.finalizing
	s.mu.Unlock()

	err := s.deps.State.Update(func(st *State) {
		st.SuspendedID = id
		st.SuspendedProgress = pct
		st.SuspendedFinalizing = fin
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist suspended install", "err", err)
	}

	s.deps.Host.ChangeStatus(id, func(r *update.Record) {
		r.Status = update.StatusInstallationSuspended
	})

	return true
}

// Resume continues a suspended payload application.
func (s *StreamingInstaller) Resume(ctx context.Context) bool {
	logger := logctx.LoggerFromContext(ctx).With("backend", BackendStreaming)

	st := s.deps.State.Get()
	if st.SuspendedID == "" {
		logger.InfoContext(ctx, "no suspended installation to resume")

		return false
	}

	if !s.isBound() {
		logger.WarnContext(ctx, "streaming engine not bound, cannot resume")

		return false
	}

	if err := s.engine.Resume(); err != nil {
		logger.ErrorContext(ctx, "failed to resume the streaming engine", "err", err)

		return false
	}

	s.mu.Lock()
	s.progress = st.SuspendedProgress
	s.finalizing = st.SuspendedFinalizing
	s.mu.Unlock()

	if err := s.deps.State.Update(func(st *State) {
		st.SuspendedID = ""
		st.SuspendedProgress = 0
		st.SuspendedFinalizing = false
	}); err != nil {
		logger.ErrorContext(ctx, "failed to clear suspended install", "err", err)
	}

	s.deps.Host.ChangeStatus(st.SuspendedID, func(r *update.Record) {
		r.Status = update.StatusInstalling
		r.InstallProgress = st.SuspendedProgress
		r.Finalizing = st.SuspendedFinalizing
	})

	return true
}

// SetPerformanceMode persists the preference and forwards it to the engine.
func (s *StreamingInstaller) SetPerformanceMode(ctx context.Context, enable bool) {
	if err := s.deps.State.Update(func(st *State) { st.PerformanceMode = enable }); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist performance mode", "err", err)
	}

	s.engine.SetPerformanceMode(enable)
}

// IsInstalling reports whether a payload is being applied or waits for a reboot.
func (s *StreamingInstaller) IsInstalling() bool {
	st := s.deps.State.Get()

	return st.InstallingID != "" || st.NeedsRebootID != ""
}

// IsInstallingID reports whether id is being applied or waits for a reboot.
func (s *StreamingInstaller) IsInstallingID(id string) bool {
	st := s.deps.State.Get()

	return id != "" && (st.InstallingID == id || st.NeedsRebootID == id)
}

// IsSuspended reports whether the in-flight install is suspended.
func (s *StreamingInstaller) IsSuspended() bool {
	return s.deps.State.Get().SuspendedID != ""
}

// IsWaitingForReboot reports whether id was applied and the device must reboot into it.
func (s *StreamingInstaller) IsWaitingForReboot(id string) bool {
	return id != "" && s.deps.State.Get().NeedsRebootID == id
}

// OnStatusUpdate implements EngineCallback.
func (s *StreamingInstaller) OnStatusUpdate(status EngineStatus, percent float64) {
	ctx := s.ctx
	logger := logctx.LoggerFromContext(ctx)
	id := s.currentID()

	snap, ok := s.deps.Host.Update(id)
	if !ok {
		// a restart lost track of the record, only the durable markers are left
		logger.DebugContext(ctx, "engine status for an unknown update", "status", status)
		s.installationDone(ctx, status == EngineUpdatedNeedReboot)

		return
	}

	switch status {
	case EngineDownloading, EngineFinalizing:
		pct := int(math.Round(percent * 100))
		finalizing := status == EngineFinalizing

		s.mu.Lock()
		s.progress = pct
		s.finalizing = finalizing
		s.mu.Unlock()

		if s.IsSuspended() {
			return
		}

		if snap.Status != update.StatusInstalling {
			s.deps.Host.ChangeStatus(id, func(r *update.Record) {
				r.Status = update.StatusInstalling
			})
		}

		s.deps.Host.ChangeInstallProgress(id, func(r *update.Record) {
			r.InstallProgress = pct
			r.Finalizing = finalizing
		})
	case EngineUpdatedNeedReboot:
		s.installationDone(ctx, true)
		s.deps.Telemetry.RecordInstall(BackendStreaming, "applied")

		logger.InfoContext(ctx, "update applied, reboot required", "download_id", id)

		s.deps.Host.ChangeStatus(id, func(r *update.Record) {
			r.Status = update.StatusInstalled
			r.InstallProgress = 0
			r.Finalizing = false
		})

		if s.cfg.AutoDelete {
			s.deps.Host.DeleteUpdate(ctx, id)
		}
	case EngineIdle:
		s.installationDone(ctx, false)

		// the engine stopped without reporting a result for an install we were tracking
		if snap.Status == update.StatusInstalling || snap.Status == update.StatusInstallationSuspended {
			logger.WarnContext(ctx, "streaming engine went idle mid install", "download_id", id)

			s.deps.Host.ChangeStatus(id, func(r *update.Record) {
				r.Status = update.StatusInstallationFailed
				r.InstallProgress = 0
			})
		}
	default:
		logger.DebugContext(ctx, "engine status", "status", status, "percent", percent)
	}
}

// OnPayloadApplicationComplete implements EngineCallback.
func (s *StreamingInstaller) OnPayloadApplicationComplete(code int) {
	if code == EngineSuccess {
		return
	}

	ctx := s.ctx
	id := s.currentID()

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "payload application failed", "download_id", id, "code", code)

	s.installationDone(ctx, false)
	s.deps.Telemetry.RecordInstall(BackendStreaming, "apply_failed")

	s.deps.Host.ChangeStatus(id, func(r *update.Record) {
		r.Status = update.StatusInstallationFailed
		r.InstallProgress = 0
		r.Finalizing = false
	})
}

// installationDone moves the in-flight id to the needs-reboot marker, or drops it.
func (s *StreamingInstaller) installationDone(ctx context.Context, needsReboot bool) {
	err := s.deps.State.Update(func(st *State) {
		switch {
		case !needsReboot:
			st.NeedsRebootID = ""
		case st.InstallingID != "":
			st.NeedsRebootID = st.InstallingID
		}

		st.InstallingID = ""
		st.SuspendedID = ""
		st.SuspendedProgress = 0
		st.SuspendedFinalizing = false
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist install outcome", "err", err)
	}
}

func (s *StreamingInstaller) bind() bool {
	if s.isBound() {
		return true
	}

	// the engine reports its current status from within Bind
	if !s.engine.Bind(s) {
		return false
	}

	s.mu.Lock()
	s.bound = true
	s.mu.Unlock()

	return true
}

func (s *StreamingInstaller) ready(ctx context.Context, op string) bool {
	logger := logctx.LoggerFromContext(ctx).With("backend", BackendStreaming)

	if !s.IsInstalling() {
		logger.InfoContext(ctx, "not installing an update", "op", op)

		return false
	}

	if !s.isBound() {
		logger.WarnContext(ctx, "streaming engine not bound", "op", op)

		return false
	}

	return true
}

func (s *StreamingInstaller) isBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bound
}

func (s *StreamingInstaller) currentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.downloadID
}
