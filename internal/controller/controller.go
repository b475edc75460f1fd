// Package controller owns the update records and drives them through download,
// verification and install.
package controller

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/italolelis/firmware_updater/internal/install"
	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/storage"
	"github.com/italolelis/firmware_updater/internal/telemetry"
	"github.com/italolelis/firmware_updater/internal/transfer"
	"github.com/italolelis/firmware_updater/internal/update"
	"github.com/italolelis/firmware_updater/internal/workerpool"
)

// Verifier accepts or rejects a downloaded package.
type Verifier interface {
	Verify(ctx context.Context, path string) error
}

// WakeLock keeps the device awake while downloads run.
type WakeLock interface {
	Acquire() error
	Release() error
}

// Options wires the controller to its collaborators.
type Options struct {
	DownloadDir string
	Store       storage.UpdateRepository
	State       *install.StateStore
	Verifier    Verifier
	WakeLock    WakeLock
	Flasher     install.Flasher
	// Engine is nil on devices without streaming update support.
	Engine install.Engine

	// Transfers runs downloads, Background runs verification and persistence.
	Transfers  *workerpool.Pool
	Background *workerpool.Pool

	HTTPClient        *http.Client
	UseDuplicateLinks bool
	BuildTimestamp    int64
	EncryptedStorage  bool
	AutoDelete        bool
	Telemetry         *telemetry.Telemetry
	Now               func() time.Time
}

type entry struct {
	rec    *update.Record
	engine *transfer.Engine
}

// Controller is the single owner of update records. Every exported method is
// safe for concurrent use.
type Controller struct {
	opts Options
	ctx  context.Context
	bus  *Bus
	now  func() time.Time

	guard     *install.Guard
	legacy    *install.LegacyInstaller
	streaming *install.StreamingInstaller

	mu        sync.Mutex
	entries   map[string]*entry
	verifying map[string]struct{}
	active    int
	wakeHeld  bool
}

func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Store == nil || opts.State == nil || opts.Verifier == nil {
		return nil, errors.New("controller needs a store, install state and verifier")
	}

	if opts.DownloadDir == "" {
		return nil, errors.New("controller needs a download directory")
	}

	logger := logctx.LoggerFromContext(ctx).With("component", "controller")
	ctx = logctx.WithLogger(ctx, logger)

	if opts.Transfers == nil {
		opts.Transfers = workerpool.New(ctx, "transfers", 2, 16)
	}

	if opts.Background == nil {
		opts.Background = workerpool.New(ctx, "background", 2, 64)
	}

	if opts.WakeLock == nil {
		opts.WakeLock = nopWakeLock{}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		opts:      opts,
		ctx:       ctx,
		bus:       NewBus(),
		now:       now,
		guard:     install.NewGuard(opts.State),
		entries:   make(map[string]*entry),
		verifying: make(map[string]struct{}),
	}

	deps := install.Dependencies{
		Host:      c,
		State:     opts.State,
		Guard:     c.guard,
		Run:       c.background,
		Telemetry: opts.Telemetry,
	}

	c.legacy = install.NewLegacyInstaller(deps, opts.Flasher, install.LegacyConfig{
		EncryptedStorage: opts.EncryptedStorage,
		BuildTimestamp:   opts.BuildTimestamp,
	})

	if opts.Engine != nil {
		c.streaming = install.NewStreamingInstaller(ctx, deps, opts.Engine, install.StreamingConfig{
			AutoDelete: opts.AutoDelete,
		})
	}

	return c, nil
}

// Load adds every record of the store. Records without a usable file that are
// not offered online are purged.
func (c *Controller) Load(ctx context.Context) error {
	rows, err := c.opts.Store.GetUpdates()
	if err != nil {
		return fmt.Errorf("failed to load updates: %w", err)
	}

	for _, row := range rows {
		c.addUpdate(ctx, recordFromRow(row), false)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "updates loaded", "stored", len(rows), "kept", len(c.Updates()))

	return nil
}

// Subscribe listens to record changes, see Bus.Subscribe.
func (c *Controller) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	return c.bus.Subscribe(kinds...)
}

// AddUpdate adds an update advertised by the feed. It returns true when the id was not known.
func (c *Controller) AddUpdate(ctx context.Context, info update.Info) bool {
	return c.addUpdate(ctx, update.Record{Info: info}, true)
}

func (c *Controller) addUpdate(ctx context.Context, rec update.Record, availableOnline bool) bool {
	logger := logctx.LoggerFromContext(ctx).With("download_id", rec.DownloadID)

	c.mu.Lock()

	if e, ok := c.entries[rec.DownloadID]; ok {
		// still online only if both sources agree
		e.rec.AvailableOnline = availableOnline && e.rec.AvailableOnline
		e.rec.DownloadURL = rec.DownloadURL
		c.mu.Unlock()

		logger.DebugContext(ctx, "update already added")

		return false
	}

	r := rec
	if !fixUpdateStatus(&r) && !availableOnline {
		r.PersistentStatus = update.PersistentUnknown
		c.mu.Unlock()

		logger.InfoContext(ctx, "update has an invalid status and is not online, removing")
		c.deleteAsync(r.DownloadID, r.LocalFile)

		return false
	}

	r.AvailableOnline = availableOnline
	c.entries[r.DownloadID] = &entry{rec: &r}
	c.mu.Unlock()

	logger.DebugContext(ctx, "update added", "status", r.Status, "persistent_status", r.PersistentStatus)

	return true
}

// fixUpdateStatus reconciles the stored status with the file on disk. It
// returns false when a stored download lost its file, which demotes it so it
// can never be installed.
func fixUpdateStatus(r *update.Record) bool {
	switch r.PersistentStatus {
	case update.PersistentVerified, update.PersistentIncomplete:
		if !r.FileExists() {
			r.Status = update.StatusUnknown
			r.PersistentStatus = update.PersistentUnknown

			return false
		}

		if r.FileSize > 0 {
			r.Status = update.StatusPaused
			r.Progress = percent(r.FileLength(), r.FileSize)
		}
	}

	return true
}

// SetUpdatesAvailableOnline marks the ids the feed currently offers. With purge,
// records no longer offered and never downloaded are evicted.
func (c *Controller) SetUpdatesAvailableOnline(ctx context.Context, ids []string, purge bool) {
	online := lo.SliceToMap(ids, func(id string) (string, struct{}) { return id, struct{}{} })

	var removed []update.Snapshot

	c.mu.Lock()
	for id, e := range c.entries {
		_, ok := online[id]
		e.rec.AvailableOnline = ok

		if !ok && purge && e.rec.PersistentStatus == update.PersistentUnknown && e.engine == nil {
			removed = append(removed, e.rec.Snapshot())
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	for _, snap := range removed {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "update no longer available online, removing", "download_id", snap.DownloadID)
		c.publish(EventRemoved, snap)
	}
}

// DeleteUpdate removes the package and ledger row of id. Updates that are still
// offered online stay listed with no progress. Downloading, verifying or
// installing updates cannot be deleted.
func (c *Controller) DeleteUpdate(ctx context.Context, id string) bool {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	if c.legacy.IsInstallingID(id) || c.opts.State.Get().InstallingID == id {
		logger.WarnContext(ctx, "refusing to delete an update that is being installed")

		return false
	}

	c.mu.Lock()

	e, ok := c.entries[id]
	if !ok || e.engine != nil {
		c.mu.Unlock()

		return false
	}

	if _, verifying := c.verifying[id]; verifying {
		c.mu.Unlock()
		logger.WarnContext(ctx, "refusing to delete an update that is being verified")

		return false
	}

	e.rec.Status = update.StatusDeleted
	e.rec.Progress = 0
	e.rec.PersistentStatus = update.PersistentUnknown
	file := e.rec.LocalFile

	evict := !e.rec.AvailableOnline
	if evict {
		delete(c.entries, id)
	}

	snap := e.rec.Snapshot()
	c.mu.Unlock()

	c.deleteAsync(id, file)

	if evict {
		logger.InfoContext(ctx, "update no longer available online, removing")
		c.publish(EventRemoved, snap)
	} else {
		c.publish(EventStatus, snap)
	}

	return true
}

func (c *Controller) deleteAsync(id, file string) {
	c.background(func(ctx context.Context) {
		logger := logctx.LoggerFromContext(ctx).With("download_id", id)

		if file != "" {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				logger.ErrorContext(ctx, "could not delete update file", "file", file, "err", err)
			}
		}

		if err := c.opts.Store.RemoveUpdate(id); err != nil {
			logger.ErrorContext(ctx, "could not remove update from the store", "err", err)
		}
	})
}

// Updates lists every record, newest build first.
func (c *Controller) Updates() []update.Snapshot {
	c.mu.Lock()
	snaps := lo.MapToSlice(c.entries, func(_ string, e *entry) update.Snapshot { return e.rec.Snapshot() })
	c.mu.Unlock()

	slices.SortFunc(snaps, func(a, b update.Snapshot) int {
		if n := cmp.Compare(b.Timestamp, a.Timestamp); n != 0 {
			return n
		}

		return cmp.Compare(a.DownloadID, b.DownloadID)
	})

	return snaps
}

// Update returns the record of id.
func (c *Controller) Update(id string) (update.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return update.Snapshot{}, false
	}

	return e.rec.Snapshot(), true
}

func (c *Controller) IsDownloading(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]

	return ok && e.engine != nil
}

func (c *Controller) HasActiveDownloads() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active > 0
}

// IsVerifying reports whether any update is being verified.
func (c *Controller) IsVerifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.verifying) > 0
}

func (c *Controller) IsVerifyingUpdate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.verifying[id]

	return ok
}

// Shutdown stops every running download. Records keep their partial files.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.entries {
		if e.engine != nil {
			logctx.LoggerFromContext(ctx).InfoContext(ctx, "stopping download", "download_id", id)
			e.engine.Cancel()
		}
	}

	if c.wakeHeld {
		if err := c.opts.WakeLock.Release(); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to release wake lock", "err", err)
		}

		c.wakeHeld = false
	}
}

// background runs fn on the background pool, or right away when the pool
// does not accept more work.
func (c *Controller) background(fn func(ctx context.Context)) {
	if c.opts.Background.Submit(fn) {
		return
	}

	logctx.LoggerFromContext(c.ctx).WarnContext(c.ctx, "background pool saturated, running task inline")
	fn(c.ctx)
}

func (c *Controller) publish(kind EventKind, snap update.Snapshot) {
	if dropped := c.bus.Publish(Event{Kind: kind, Update: snap}); dropped > 0 {
		logctx.LoggerFromContext(c.ctx).DebugContext(c.ctx, "slow subscribers missed an event",
			"kind", kind, "download_id", snap.DownloadID, "dropped", dropped)
	}
}

func recordFromRow(row storage.UpdateRecord) update.Record {
	name := ""
	if row.Path != "" {
		name = filepath.Base(row.Path)
	}

	return update.Record{
		Info: update.Info{
			DownloadID: row.DownloadID,
			Name:       name,
			Timestamp:  row.Timestamp,
			Type:       row.Type,
			Version:    row.Version,
			FileSize:   row.Size,
		},
		LocalFile:        row.Path,
		PersistentStatus: row.PersistentStatus,
	}
}

func rowFromRecord(r *update.Record) storage.UpdateRecord {
	return storage.UpdateRecord{
		DownloadID:       r.DownloadID,
		Path:             r.LocalFile,
		Timestamp:        r.Timestamp,
		Type:             r.Type,
		Version:          r.Version,
		Size:             r.FileSize,
		PersistentStatus: r.PersistentStatus,
	}
}

func percent(read, total int64) int {
	if total <= 0 {
		return 0
	}

	return int(float64(read)*100/float64(total) + 0.5)
}

type nopWakeLock struct{}

func (nopWakeLock) Acquire() error { return nil }
func (nopWakeLock) Release() error { return nil }
