package controller

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/firmware_updater/internal/install"
	"github.com/italolelis/firmware_updater/internal/storage"
	"github.com/italolelis/firmware_updater/internal/transfer"
	"github.com/italolelis/firmware_updater/internal/update"
)

func TestAddUpdate_KeepsIdsUnique(t *testing.T) {
	h := newHarness(t, acceptAll)
	ctx := context.Background()

	info := update.Info{DownloadID: "a", Name: "a.zip", DownloadURL: "https://old.example/a.zip", Timestamp: 1700000000}

	assert.True(t, h.c.AddUpdate(ctx, info))

	info.DownloadURL = "https://new.example/a.zip"
	assert.False(t, h.c.AddUpdate(ctx, info))

	snaps := h.c.Updates()
	require.Len(t, snaps, 1)
	assert.Equal(t, "https://new.example/a.zip", snaps[0].DownloadURL)
	assert.True(t, snaps[0].AvailableOnline)
}

func TestUpdates_NewestFirst(t *testing.T) {
	h := newHarness(t, acceptAll)
	ctx := context.Background()

	h.c.AddUpdate(ctx, update.Info{DownloadID: "old", Timestamp: 100})
	h.c.AddUpdate(ctx, update.Info{DownloadID: "new", Timestamp: 300})
	h.c.AddUpdate(ctx, update.Info{DownloadID: "mid", Timestamp: 200})

	var ids []string
	for _, s := range h.c.Updates() {
		ids = append(ids, s.DownloadID)
	}

	assert.Equal(t, []string{"new", "mid", "old"}, ids)
}

func TestLoad_ReconcilesStoredRecords(t *testing.T) {
	dir := t.TempDir()

	partial := filepath.Join(dir, "partial.zip")
	writeFile(t, partial, 250)

	rows := []storage.UpdateRecord{
		{DownloadID: "gone", Path: filepath.Join(dir, "gone.zip"), Timestamp: 1, Size: 1000, PersistentStatus: update.PersistentVerified},
		{DownloadID: "partial", Path: partial, Timestamp: 2, Size: 1000, PersistentStatus: update.PersistentIncomplete},
	}

	h := newHarnessWithRows(t, acceptAll, rows)

	_, ok := h.c.Update("gone")
	assert.False(t, ok, "a verified record without its file must not be kept")

	snap, ok := h.c.Update("partial")
	require.True(t, ok)
	assert.Equal(t, update.StatusPaused, snap.Status)
	assert.Equal(t, 25, snap.Progress)
	assert.False(t, snap.AvailableOnline)

	require.Eventually(t, func() bool {
		_, stored := h.storedRow(t, "gone")

		return !stored
	}, 2*time.Second, 10*time.Millisecond)

	// a second source for the same id never turns it online
	h.c.AddUpdate(context.Background(), update.Info{DownloadID: "partial", DownloadURL: "https://example/p.zip"})

	snap, _ = h.c.Update("partial")
	assert.False(t, snap.AvailableOnline)
	assert.Equal(t, "https://example/p.zip", snap.DownloadURL)
}

func TestSetUpdatesAvailableOnline(t *testing.T) {
	dir := t.TempDir()

	kept := filepath.Join(dir, "kept.zip")
	writeFile(t, kept, 100)

	h := newHarnessWithRows(t, acceptAll, []storage.UpdateRecord{
		{DownloadID: "kept", Path: kept, Size: 100, PersistentStatus: update.PersistentVerified},
	})
	ctx := context.Background()

	h.c.AddUpdate(ctx, update.Info{DownloadID: "stale"})
	h.c.AddUpdate(ctx, update.Info{DownloadID: "fresh"})

	h.c.SetUpdatesAvailableOnline(ctx, []string{"fresh"}, false)

	snap, ok := h.c.Update("stale")
	require.True(t, ok)
	assert.False(t, snap.AvailableOnline)

	h.c.SetUpdatesAvailableOnline(ctx, []string{"fresh"}, true)
	h.waitRemoved(t, "stale")

	_, ok = h.c.Update("stale")
	assert.False(t, ok)

	snap, ok = h.c.Update("kept")
	require.True(t, ok, "downloaded updates survive a purge")
	assert.False(t, snap.AvailableOnline)

	snap, _ = h.c.Update("fresh")
	assert.True(t, snap.AvailableOnline)
}

func TestDeleteUpdate(t *testing.T) {
	t.Run("online update stays listed", func(t *testing.T) {
		h := newHarness(t, acceptAll)
		ctx := context.Background()

		h.c.AddUpdate(ctx, update.Info{DownloadID: "a"})

		assert.True(t, h.c.DeleteUpdate(ctx, "a"))

		snap := h.waitStatus(t, "a", update.StatusDeleted)
		assert.Equal(t, 0, snap.Progress)
		assert.Equal(t, update.PersistentUnknown, snap.PersistentStatus)

		_, ok := h.c.Update("a")
		assert.True(t, ok)
	})

	t.Run("offline update is evicted", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "a.zip")
		writeFile(t, file, 10)

		h := newHarnessWithRows(t, acceptAll, []storage.UpdateRecord{
			{DownloadID: "a", Path: file, Size: 10, PersistentStatus: update.PersistentVerified},
		})

		assert.True(t, h.c.DeleteUpdate(context.Background(), "a"))
		h.waitRemoved(t, "a")

		require.Eventually(t, func() bool {
			_, stored := h.storedRow(t, "a")
			_, err := os.Stat(file)

			return !stored && os.IsNotExist(err)
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("unknown update", func(t *testing.T) {
		h := newHarness(t, acceptAll)

		assert.False(t, h.c.DeleteUpdate(context.Background(), "missing"))
	})
}

func writeLegacyPackage(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	w, err := zw.Create("META-INF/com/android/metadata")
	require.NoError(t, err)
	_, err = w.Write([]byte("post-timestamp=1700000000\n"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestInstall_RejectsUnverified(t *testing.T) {
	h := newHarness(t, acceptAll)
	ctx := context.Background()

	h.c.AddUpdate(ctx, update.Info{DownloadID: "a"})

	require.ErrorIs(t, h.c.Install(ctx, "a"), install.ErrNotVerified)
	require.ErrorIs(t, h.c.Install(ctx, "missing"), install.ErrUnknownUpdate)
	assert.False(t, h.c.IsInstalling())
}

func TestInstall_OnlyOneAtATime(t *testing.T) {
	dir := t.TempDir()

	a := filepath.Join(dir, "a.zip")
	b := filepath.Join(dir, "b.zip")
	writeLegacyPackage(t, a)
	writeLegacyPackage(t, b)

	flasher := newBlockingFlasher()

	h := newHarnessWithRows(t, acceptAll, []storage.UpdateRecord{
		{DownloadID: "a", Path: a, Timestamp: 1700000000, PersistentStatus: update.PersistentVerified},
		{DownloadID: "b", Path: b, Timestamp: 1700000100, PersistentStatus: update.PersistentVerified},
	}, func(o *Options) { o.Flasher = flasher })
	ctx := context.Background()

	require.NoError(t, h.c.Install(ctx, "a"))
	h.waitStatus(t, "a", update.StatusInstalling)

	select {
	case path := <-flasher.started:
		assert.Equal(t, a, path)
	case <-time.After(5 * time.Second):
		t.Fatal("flasher never started")
	}

	assert.True(t, h.c.IsInstalling())
	assert.True(t, h.c.IsInstallingUpdate("a"))
	assert.False(t, h.c.IsInstallingUpdate("b"))

	require.ErrorIs(t, h.c.Install(ctx, "b"), install.ErrAlreadyInstalling)
	assert.False(t, h.c.DeleteUpdate(ctx, "a"), "the package being flashed cannot be deleted")

	snap, _ := h.c.Update("b")
	assert.NotEqual(t, update.StatusInstalling, snap.Status, "the rejected update is left untouched")

	close(flasher.release)

	snap = h.waitStatus(t, "a", update.StatusInstalled)
	assert.Equal(t, 100, snap.InstallProgress)
	assert.False(t, h.c.IsInstalling())

	st := h.state.Get()
	assert.Equal(t, int64(1690000000), st.OldTimestamp)
	assert.Equal(t, int64(1700000000), st.NewTimestamp)
	assert.Equal(t, a, st.PackagePath)
}

func TestProgressThrottle(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHarness(t, acceptAll, func(o *Options) {
		o.Now = func() time.Time { return now }
	})

	progress, unsubscribe := h.c.Subscribe(EventDownloadProgress)
	defer unsubscribe()

	h.c.AddUpdate(context.Background(), update.Info{DownloadID: "a", FileSize: 1000})

	l := &downloadListener{c: h.c, id: "a"}
	eng, err := transfer.New(transfer.Options{URL: "https://example/a.zip", Destination: filepath.Join(h.dir, "a.zip")}, l)
	require.NoError(t, err)
	l.engine = eng

	h.c.mu.Lock()
	h.c.entries["a"].engine = eng
	h.c.active++
	h.c.mu.Unlock()

	l.OnProgress(transfer.Progress{Read: 10, Total: 1000, Speed: 100, ETA: 9}) // 1%, reported
	l.OnProgress(transfer.Progress{Read: 12, Total: 1000, Speed: 100, ETA: 9}) // 1% again, too soon
	now = now.Add(1500 * time.Millisecond)
	l.OnProgress(transfer.Progress{Read: 13, Total: 1000, Speed: 120, ETA: 8}) // 1%, but a second has passed
	l.OnProgress(transfer.Progress{Read: 20, Total: 1000, Speed: 120, ETA: 8}) // 2%
	l.OnProgress(transfer.Progress{Read: 500, Total: -1, Speed: 120, ETA: 4}) // falls back to the record size

	var got []int
	for len(got) < 4 {
		select {
		case ev := <-progress:
			got = append(got, ev.Update.Progress)
		case <-time.After(time.Second):
			t.Fatalf("only got %v", got)
		}
	}

	assert.Equal(t, []int{1, 1, 2, 50}, got)

	select {
	case ev := <-progress:
		t.Fatalf("unexpected progress event %+v", ev)
	default:
	}

	// a listener whose engine was replaced is ignored
	h.c.mu.Lock()
	h.c.entries["a"].engine = nil
	h.c.active--
	h.c.mu.Unlock()

	now = now.Add(time.Hour)
	l.OnProgress(transfer.Progress{Read: 900, Total: 1000})

	snap, _ := h.c.Update("a")
	assert.Equal(t, 50, snap.Progress)
}
