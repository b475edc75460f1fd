package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/firmware_updater/internal/install"
	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/update"
)

var _ install.Host = (*Controller)(nil)

// ErrStreamingUnsupported is returned for a streaming package on a device without a streaming engine.
var ErrStreamingUnsupported = errors.New("device does not support streaming updates")

// Install applies the verified package of id with the backend the package asks for.
func (c *Controller) Install(ctx context.Context, id string) error {
	ctx = logctx.WithDownloadID(ctx, id)
	logger := logctx.LoggerFromContext(ctx)

	snap, ok := c.Update(id)
	if !ok {
		return fmt.Errorf("%w: %s", install.ErrUnknownUpdate, id)
	}

	if snap.PersistentStatus != update.PersistentVerified {
		logger.ErrorContext(ctx, "refusing to install an unverified update", "persistent_status", snap.PersistentStatus)

		return install.ErrNotVerified
	}

	streaming, err := install.IsStreamingPackage(snap.LocalFile)
	if err != nil {
		logger.ErrorContext(ctx, "could not inspect the package", "err", err)
		c.ChangeStatus(id, func(r *update.Record) { r.Status = update.StatusInstallationFailed })

		return err
	}

	if !streaming {
		return c.legacy.Install(ctx, id)
	}

	if c.streaming == nil {
		logger.ErrorContext(ctx, "streaming package on a device without streaming updates")
		c.ChangeStatus(id, func(r *update.Record) { r.Status = update.StatusInstallationFailed })

		return ErrStreamingUnsupported
	}

	return c.streaming.Install(ctx, id)
}

// CancelInstall stops a legacy install that is still staging, or the streaming install.
func (c *Controller) CancelInstall(ctx context.Context) bool {
	if c.legacy.IsInstalling() {
		return c.legacy.Cancel(ctx)
	}

	if c.streaming != nil && c.streaming.IsInstalling() {
		c.streaming.Reconnect(ctx)

		return c.streaming.Cancel(ctx)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "no installation to cancel")

	return false
}

// SuspendInstall pauses the streaming install.
func (c *Controller) SuspendInstall(ctx context.Context) bool {
	if c.streaming == nil || !c.streaming.IsInstalling() {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "no installation to suspend")

		return false
	}

	c.streaming.Reconnect(ctx)

	return c.streaming.Suspend(ctx)
}

// ResumeInstall continues a suspended streaming install.
func (c *Controller) ResumeInstall(ctx context.Context) bool {
	if c.streaming == nil || !c.streaming.IsSuspended() {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "no suspended installation to resume")

		return false
	}

	c.streaming.Reconnect(ctx)

	return c.streaming.Resume(ctx)
}

// Reconnect attaches to a streaming install that outlived the previous process.
func (c *Controller) Reconnect(ctx context.Context) bool {
	if c.streaming == nil || !c.streaming.IsInstalling() {
		return false
	}

	return c.streaming.Reconnect(ctx)
}

// SetPerformanceMode is only meaningful on devices with streaming updates.
func (c *Controller) SetPerformanceMode(ctx context.Context, enable bool) {
	if c.streaming == nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "performance mode needs streaming updates")

		return
	}

	c.streaming.SetPerformanceMode(ctx, enable)
}

// IsInstalling reports whether any install is in flight, including one waiting for a reboot.
func (c *Controller) IsInstalling() bool {
	return c.guard.Busy()
}

// IsInstallingUpdate reports whether the in-flight install is the one of id.
func (c *Controller) IsInstallingUpdate(id string) bool {
	return c.legacy.IsInstallingID(id) || c.guard.Holds(id)
}

// IsInstallingStreaming reports whether the streaming backend has an install in flight.
func (c *Controller) IsInstallingStreaming() bool {
	return c.streaming != nil && c.streaming.IsInstalling()
}

// IsInstallSuspended reports whether the streaming install is suspended.
func (c *Controller) IsInstallSuspended() bool {
	return c.streaming != nil && c.streaming.IsSuspended()
}

func (c *Controller) IsWaitingForReboot(id string) bool {
	return id != "" && c.opts.State.Get().NeedsRebootID == id
}

// ChangeStatus lets an install backend mutate a record and publishes the change.
func (c *Controller) ChangeStatus(id string, fn func(r *update.Record)) bool {
	return c.change(id, EventStatus, fn)
}

// ChangeInstallProgress lets an install backend report progress.
func (c *Controller) ChangeInstallProgress(id string, fn func(r *update.Record)) bool {
	return c.change(id, EventInstallProgress, fn)
}

func (c *Controller) change(id string, kind EventKind, fn func(r *update.Record)) bool {
	c.mu.Lock()

	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()

		return false
	}

	fn(e.rec)
	snap := e.rec.Snapshot()
	c.mu.Unlock()

	c.publish(kind, snap)

	return true
}
