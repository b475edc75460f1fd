// Package install applies verified update packages, either by flashing the whole
// package (legacy) or through a streaming engine that writes the inactive
// partition while the system keeps running.
package install

import (
	"context"

	"github.com/italolelis/firmware_updater/internal/update"
)

// Backend names used in logs and metrics.
const (
	BackendLegacy    = "legacy"
	BackendStreaming = "streaming"
)

// Host owns the update records. Backends read and mutate records only through it.
type Host interface {
	Update(id string) (update.Snapshot, bool)
	// ChangeStatus applies fn to the record and publishes a status change.
	ChangeStatus(id string, fn func(r *update.Record)) bool
	// ChangeInstallProgress applies fn to the record and publishes an install progress change.
	ChangeInstallProgress(id string, fn func(r *update.Record)) bool
	DeleteUpdate(ctx context.Context, id string) bool
}

// Runner executes fn in the background.
type Runner func(fn func(ctx context.Context))

// Flasher installs a full update package. It returns once the package is handed
// over to the platform, an error means nothing was applied.
type Flasher interface {
	InstallPackage(ctx context.Context, path string) error
}

// EngineStatus is the phase a streaming engine reports.
type EngineStatus int

const (
	EngineIdle EngineStatus = iota
	EngineDownloading
	EngineVerifying
	EngineFinalizing
	EngineUpdatedNeedReboot
	EngineReportingError
)

func (s EngineStatus) String() string {
	switch s {
	case EngineIdle:
		return "idle"
	case EngineDownloading:
		return "downloading"
	case EngineVerifying:
		return "verifying"
	case EngineFinalizing:
		return "finalizing"
	case EngineUpdatedNeedReboot:
		return "updated_need_reboot"
	case EngineReportingError:
		return "reporting_error"
	default:
		return "unknown"
	}
}

// EngineSuccess is the completion code of a payload applied without error.
const EngineSuccess = 0

// EngineCallback receives the progress of a streaming engine.
type EngineCallback interface {
	// OnStatusUpdate reports the engine phase, percent is in [0, 1].
	OnStatusUpdate(status EngineStatus, percent float64)
	OnPayloadApplicationComplete(code int)
}

// Engine is the platform service that applies a payload to the inactive partition.
type Engine interface {
	// Bind attaches cb and delivers the current engine status to it before returning.
	Bind(cb EngineCallback) bool
	ApplyPayload(uri string, offset int64, props []string) error
	Cancel() error
	Suspend() error
	Resume() error
	SetPerformanceMode(enable bool)
}
