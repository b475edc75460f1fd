package controller

import (
	"context"
	"errors"
	"os"

	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/storage"
	"github.com/italolelis/firmware_updater/internal/update"
)

// verifyAsync verifies the package of id in the background. The caller has
// already marked id as verifying.
func (c *Controller) verifyAsync(id string) {
	c.background(func(ctx context.Context) {
		c.verify(logctx.WithDownloadID(ctx, id), id)
	})
}

func (c *Controller) verify(ctx context.Context, id string) {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		delete(c.verifying, id)
		c.mu.Unlock()

		return
	}

	file := e.rec.LocalFile
	c.mu.Unlock()

	verified := c.verifyPackage(ctx, file)

	if verified {
		if err := os.Chmod(file, 0o644); err != nil {
			logger.WarnContext(ctx, "could not make the package world readable", "err", err)
		}
	}

	c.mu.Lock()

	// the record was dropped or now points at another file
	if cur, ok := c.entries[id]; !ok || cur != e || cur.rec.LocalFile != file {
		delete(c.verifying, id)
		c.mu.Unlock()

		logger.WarnContext(ctx, "update changed during verification, discarding the result", "verified", verified)

		return
	}

	if verified {
		e.rec.PersistentStatus = update.PersistentVerified
		e.rec.Status = update.StatusVerified
	} else {
		e.rec.PersistentStatus = update.PersistentUnknown
		e.rec.Progress = 0
		e.rec.Status = update.StatusVerificationFailed
	}

	row := rowFromRecord(e.rec)
	delete(c.verifying, id)
	snap := e.rec.Snapshot()
	c.mu.Unlock()

	if verified {
		c.persistVerified(ctx, row)
		c.opts.Telemetry.RecordVerification("success")
	} else {
		if err := c.opts.Store.RemoveUpdate(id); err != nil {
			logger.ErrorContext(ctx, "could not remove update from the store", "err", err)
		}

		c.opts.Telemetry.RecordVerification("failure")
	}

	c.publish(EventStatus, snap)
}

// verifyPackage deletes a package the verifier rejects.
func (c *Controller) verifyPackage(ctx context.Context, file string) bool {
	logger := logctx.LoggerFromContext(ctx)

	if file == "" {
		return false
	}

	if _, err := os.Stat(file); err != nil {
		logger.WarnContext(ctx, "package to verify is missing", "file", file)

		return false
	}

	err := c.opts.Verifier.Verify(ctx, file)
	if err == nil {
		logger.InfoContext(ctx, "verification successful")

		return true
	}

	logger.ErrorContext(ctx, "verification failed", "err", err)

	if rerr := os.Remove(file); rerr != nil {
		if os.IsNotExist(rerr) {
			// the download was probably stopped while verifying
			logger.DebugContext(ctx, "package vanished during verification")
		} else {
			logger.ErrorContext(ctx, "could not delete the rejected package", "err", rerr)
		}
	}

	return false
}

func (c *Controller) persistVerified(ctx context.Context, row storage.UpdateRecord) {
	err := c.opts.Store.ChangeUpdateStatus(row.DownloadID, update.PersistentVerified)
	if errors.Is(err, storage.ErrNotFound) {
		err = c.opts.Store.SaveUpdate(row)
	}

	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "could not persist verified update", "err", err)
	}
}
