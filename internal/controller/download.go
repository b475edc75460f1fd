package controller

import (
	"context"
	"path/filepath"
	"time"

	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/transfer"
	"github.com/italolelis/firmware_updater/internal/update"
)

// maxReportInterval bounds the time between two progress events of a download
// whose integer percentage does not move.
const maxReportInterval = time.Second

// StartDownload downloads id from scratch into a fresh file.
func (c *Controller) StartDownload(ctx context.Context, id string) {
	c.download(ctx, id, false)
}

// ResumeDownload continues the download of id from its partial file. A file
// that is already complete goes straight to verification.
func (c *Controller) ResumeDownload(ctx context.Context, id string) {
	c.download(ctx, id, true)
}

func (c *Controller) download(ctx context.Context, id string, resume bool) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	c.mu.Lock()

	e, ok := c.entries[id]
	if !ok || e.engine != nil {
		c.mu.Unlock()

		return
	}

	if _, verifying := c.verifying[id]; verifying {
		c.mu.Unlock()
		logger.WarnContext(ctx, "update is being verified, not downloading")

		return
	}

	rec := e.rec

	if resume {
		if !rec.FileExists() {
			rec.Status = update.StatusPausedError
			snap := rec.Snapshot()
			c.mu.Unlock()

			logger.ErrorContext(ctx, "destination file doesn't exist, can't resume")
			c.publish(EventStatus, snap)

			return
		}

		if rec.FileSize > 0 && rec.FileLength() >= rec.FileSize {
			rec.Status = update.StatusVerifying
			c.verifying[id] = struct{}{}
			snap := rec.Snapshot()
			c.mu.Unlock()

			logger.InfoContext(ctx, "file already downloaded, starting verification")
			c.publish(EventStatus, snap)
			c.verifyAsync(id)

			return
		}
	} else {
		name := filepath.Base(rec.Name)
		if name == "." || name == string(filepath.Separator) || name == "" {
			name = id + ".zip"
		}

		rec.LocalFile = update.UniquePath(filepath.Join(c.opts.DownloadDir, name))
	}

	l := &downloadListener{c: c, id: id}

	eng, err := transfer.New(transfer.Options{
		URL:               rec.DownloadURL,
		Destination:       rec.LocalFile,
		UseDuplicateLinks: c.opts.UseDuplicateLinks,
		Client:            c.opts.HTTPClient,
		Telemetry:         c.opts.Telemetry,
		Now:               c.now,
	}, l)
	if err != nil {
		rec.Status = update.StatusPausedError
		snap := rec.Snapshot()
		c.mu.Unlock()

		logger.ErrorContext(ctx, "could not build the download", "err", err)
		c.publish(EventStatus, snap)

		return
	}

	l.engine = eng
	e.engine = eng
	c.active++
	rec.Status = update.StatusStarting
	snap := rec.Snapshot()
	c.acquireWakeLockLocked(ctx)
	c.mu.Unlock()

	logger.InfoContext(ctx, "download queued", "resume", resume, "file", snap.LocalFile)
	c.publish(EventStatus, snap)

	submitted := c.opts.Transfers.Submit(func(ctx context.Context) {
		ctx = logctx.WithDownloadID(ctx, id)

		if resume {
			eng.Resume(ctx)
		} else {
			eng.Start(ctx)
		}
	})
	if !submitted {
		logger.WarnContext(ctx, "download queue is full")
		l.OnFailure(false, nil)
	}
}

// PauseDownload stops the download of id, keeping the partial file.
func (c *Controller) PauseDownload(ctx context.Context, id string) {
	c.mu.Lock()

	e, ok := c.entries[id]
	if !ok || e.engine == nil {
		c.mu.Unlock()

		return
	}

	e.engine.Cancel()
	c.removeEngineLocked(e)
	e.rec.Status = update.StatusPaused
	e.rec.ETA = 0
	e.rec.Speed = 0
	snap := e.rec.Snapshot()
	c.tryReleaseWakeLockLocked(ctx)
	c.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download paused", "download_id", id)
	c.publish(EventStatus, snap)
}

func (c *Controller) removeEngineLocked(e *entry) {
	if e.engine == nil {
		return
	}

	e.engine = nil
	c.active--
}

func (c *Controller) acquireWakeLockLocked(ctx context.Context) {
	if c.wakeHeld {
		return
	}

	if err := c.opts.WakeLock.Acquire(); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to acquire wake lock", "err", err)
	}

	c.wakeHeld = true
}

// tryReleaseWakeLockLocked releases the wake lock once no download is active.
func (c *Controller) tryReleaseWakeLockLocked(ctx context.Context) {
	if c.active > 0 || !c.wakeHeld {
		return
	}

	if err := c.opts.WakeLock.Release(); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to release wake lock", "err", err)
	}

	c.wakeHeld = false
}

// downloadListener routes the callbacks of one transfer engine to the record.
// Callbacks of an engine that is no longer attached to the record are ignored.
type downloadListener struct {
	c      *Controller
	id     string
	engine *transfer.Engine

	// touched only from the transfer goroutine
	lastProgress int
	lastReport   time.Time
}

// current returns the entry when this listener's engine still owns it. c.mu must be held.
func (l *downloadListener) current() *entry {
	e, ok := l.c.entries[l.id]
	if !ok || e.engine == nil || e.engine != l.engine {
		return nil
	}

	return e
}

func (l *downloadListener) OnResponse(resp transfer.Response) {
	c := l.c

	c.mu.Lock()

	e := l.current()
	if e == nil || !resp.Accepted() {
		c.mu.Unlock()

		return
	}

	if total := resp.Total(); total > e.rec.FileSize {
		e.rec.FileSize = total
	}

	e.rec.Status = update.StatusDownloading
	e.rec.PersistentStatus = update.PersistentIncomplete
	row := rowFromRecord(e.rec)
	snap := e.rec.Snapshot()
	c.mu.Unlock()

	// persisted before the body streams so verification always finds the row
	if err := c.opts.Store.SaveUpdate(row); err != nil {
		logctx.LoggerFromContext(c.ctx).ErrorContext(c.ctx, "failed to persist download", "download_id", row.DownloadID, "err", err)
	}

	c.publish(EventStatus, snap)
}

func (l *downloadListener) OnProgress(p transfer.Progress) {
	c := l.c

	c.mu.Lock()

	e := l.current()
	if e == nil {
		c.mu.Unlock()

		return
	}

	total := p.Total
	if total <= 0 {
		total = e.rec.FileSize
	}

	if total <= 0 {
		c.mu.Unlock()

		return
	}

	now := c.now()
	pct := percent(p.Read, total)

	if pct == l.lastProgress && now.Sub(l.lastReport) <= maxReportInterval {
		c.mu.Unlock()

		return
	}

	l.lastProgress = pct
	l.lastReport = now

	e.rec.Progress = pct
	e.rec.ETA = p.ETA
	e.rec.Speed = p.Speed
	snap := e.rec.Snapshot()
	c.mu.Unlock()

	c.publish(EventDownloadProgress, snap)
}

func (l *downloadListener) OnSuccess(string) {
	c := l.c

	c.mu.Lock()

	e := l.current()
	if e == nil {
		c.tryReleaseWakeLockLocked(c.ctx)
		c.mu.Unlock()

		return
	}

	e.rec.Status = update.StatusVerifying
	c.removeEngineLocked(e)
	c.verifying[l.id] = struct{}{}
	snap := e.rec.Snapshot()
	c.tryReleaseWakeLockLocked(c.ctx)
	c.mu.Unlock()

	logctx.LoggerFromContext(c.ctx).InfoContext(c.ctx, "download complete", "download_id", l.id)

	c.publish(EventStatus, snap)
	c.verifyAsync(l.id)
}

func (l *downloadListener) OnFailure(cancelled bool, _ error) {
	c := l.c

	c.mu.Lock()

	e := l.current()
	if e == nil {
		// paused, already reported
		c.tryReleaseWakeLockLocked(c.ctx)
		c.mu.Unlock()

		return
	}

	c.removeEngineLocked(e)

	if cancelled {
		e.rec.Status = update.StatusPaused
	} else {
		e.rec.Status = update.StatusPausedError
	}

	e.rec.ETA = 0
	e.rec.Speed = 0
	snap := e.rec.Snapshot()
	c.tryReleaseWakeLockLocked(c.ctx)
	c.mu.Unlock()

	c.publish(EventStatus, snap)
}
