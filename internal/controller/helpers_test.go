package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/firmware_updater/internal/install"
	"github.com/italolelis/firmware_updater/internal/storage"
	"github.com/italolelis/firmware_updater/internal/storage/sqlite"
	"github.com/italolelis/firmware_updater/internal/update"
	"github.com/italolelis/firmware_updater/internal/workerpool"
)

type verifierFunc func(ctx context.Context, path string) error

func (f verifierFunc) Verify(ctx context.Context, path string) error { return f(ctx, path) }

func acceptAll(context.Context, string) error { return nil }

func rejectAll(context.Context, string) error { return errors.New("signature mismatch") }

type blockingVerifier struct {
	started chan string
	release chan struct{}
}

func newBlockingVerifier() *blockingVerifier {
	return &blockingVerifier{started: make(chan string, 4), release: make(chan struct{})}
}

func (v *blockingVerifier) verify(ctx context.Context, path string) error {
	v.started <- path

	select {
	case <-v.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type countingWakeLock struct {
	mu       sync.Mutex
	acquires int
	releases int
	held     bool
}

func (w *countingWakeLock) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.acquires++
	w.held = true

	return nil
}

func (w *countingWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.releases++
	w.held = false

	return nil
}

func (w *countingWakeLock) isHeld() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.held
}

type blockingFlasher struct {
	started chan string
	release chan struct{}
}

func newBlockingFlasher() *blockingFlasher {
	return &blockingFlasher{started: make(chan string, 4), release: make(chan struct{})}
}

func (f *blockingFlasher) InstallPackage(ctx context.Context, path string) error {
	f.started <- path

	select {
	case <-f.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type harness struct {
	c      *Controller
	store  storage.UpdateRepository
	state  *install.StateStore
	dir    string
	wake   *countingWakeLock
	events <-chan Event
}

func newHarness(t *testing.T, verifier verifierFunc, tweak ...func(o *Options)) *harness {
	t.Helper()

	return newHarnessWithRows(t, verifier, nil, tweak...)
}

func newHarnessWithRows(t *testing.T, verifier verifierFunc, rows []storage.UpdateRecord, tweak ...func(o *Options)) *harness {
	t.Helper()

	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "updates.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := sqlite.NewUpdateRepository(db)
	for _, row := range rows {
		require.NoError(t, store.SaveUpdate(row))
	}

	state, err := install.NewStateStore(sqlite.NewPreferenceRepository(db))
	require.NoError(t, err)

	ctx := context.Background()
	transfers := workerpool.New(ctx, "transfers", 2, 8)
	background := workerpool.New(ctx, "background", 2, 32)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		transfers.Drain(ctx)
		background.Drain(ctx)
	})

	wake := &countingWakeLock{}

	opts := Options{
		DownloadDir:       dir,
		Store:             store,
		State:             state,
		Verifier:          verifier,
		WakeLock:          wake,
		Flasher:           newBlockingFlasher(),
		Transfers:         transfers,
		Background:        background,
		UseDuplicateLinks: true,
		BuildTimestamp:    1690000000,
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	c, err := New(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, c.Load(ctx))

	events, unsubscribe := c.Subscribe(EventStatus, EventRemoved)
	t.Cleanup(unsubscribe)

	return &harness{c: c, store: store, state: state, dir: dir, wake: wake, events: events}
}

// waitStatus consumes events until id reaches want.
func (h *harness) waitStatus(t *testing.T, id string, want update.Status) update.Snapshot {
	t.Helper()

	timeout := time.After(5 * time.Second)

	for {
		select {
		case ev := <-h.events:
			if ev.Kind == EventStatus && ev.Update.DownloadID == id && ev.Update.Status == want {
				return ev.Update
			}
		case <-timeout:
			snap, _ := h.c.Update(id)
			t.Fatalf("%s never reached %s, last status %s", id, want, snap.Status)

			return update.Snapshot{}
		}
	}
}

func (h *harness) waitRemoved(t *testing.T, id string) {
	t.Helper()

	timeout := time.After(5 * time.Second)

	for {
		select {
		case ev := <-h.events:
			if ev.Kind == EventRemoved && ev.Update.DownloadID == id {
				return
			}
		case <-timeout:
			t.Fatalf("%s was never removed", id)
		}
	}
}

func (h *harness) storedRow(t *testing.T, id string) (storage.UpdateRecord, bool) {
	t.Helper()

	rows, err := h.store.GetUpdates()
	require.NoError(t, err)

	for _, r := range rows {
		if r.DownloadID == id {
			return r, true
		}
	}

	return storage.UpdateRecord{}, false
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
}
