package install

import (
	"archive/zip"
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/firmware_updater/internal/update"
)

type memPrefs struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemPrefs() *memPrefs {
	return &memPrefs{m: make(map[string]string)}
}

func (p *memPrefs) GetPreferences() (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]string, len(p.m))
	for k, v := range p.m {
		out[k] = v
	}

	return out, nil
}

func (p *memPrefs) SetPreferences(set map[string]string, remove []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k, v := range set {
		p.m[k] = v
	}

	for _, k := range remove {
		delete(p.m, k)
	}

	return nil
}

func (p *memPrefs) get(k string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.m[k]

	return v, ok
}

type fakeHost struct {
	mu       sync.Mutex
	records  map[string]*update.Record
	history  map[string][]update.Status
	deleted  []string
	progress func(r *update.Record)
}

func newFakeHost(recs ...*update.Record) *fakeHost {
	h := &fakeHost{records: make(map[string]*update.Record), history: make(map[string][]update.Status)}
	for _, r := range recs {
		h.records[r.DownloadID] = r
	}

	return h
}

func (h *fakeHost) Update(id string) (update.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.records[id]
	if !ok {
		return update.Snapshot{}, false
	}

	return r.Snapshot(), true
}

func (h *fakeHost) ChangeStatus(id string, fn func(r *update.Record)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.records[id]
	if !ok {
		return false
	}

	fn(r)
	h.history[id] = append(h.history[id], r.Status)

	return true
}

func (h *fakeHost) ChangeInstallProgress(id string, fn func(r *update.Record)) bool {
	h.mu.Lock()
	r, ok := h.records[id]
	if ok {
		fn(r)
	}
	hook := h.progress
	h.mu.Unlock()

	if ok && hook != nil {
		hook(r)
	}

	return ok
}

func (h *fakeHost) DeleteUpdate(_ context.Context, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deleted = append(h.deleted, id)

	return true
}

func (h *fakeHost) snapshot(t *testing.T, id string) update.Snapshot {
	t.Helper()

	s, ok := h.Update(id)
	require.True(t, ok)

	return s
}

func inline(fn func(ctx context.Context)) {
	fn(context.Background())
}

type testEnv struct {
	prefs *memPrefs
	state *StateStore
	guard *Guard
	host  *fakeHost
	deps  Dependencies
}

func newTestEnv(t *testing.T, recs ...*update.Record) *testEnv {
	t.Helper()

	return newTestEnvWithPrefs(t, newMemPrefs(), newFakeHost(recs...))
}

func newTestEnvWithPrefs(t *testing.T, prefs *memPrefs, host *fakeHost) *testEnv {
	t.Helper()

	state, err := NewStateStore(prefs)
	require.NoError(t, err)

	guard := NewGuard(state)

	return &testEnv{
		prefs: prefs,
		state: state,
		guard: guard,
		host:  host,
		deps:  Dependencies{Host: host, State: state, Guard: guard, Run: inline},
	}
}

func verifiedRecord(id, file string) *update.Record {
	r := update.NewRecord(update.Info{DownloadID: id, Name: filepath.Base(file), Timestamp: 1700000000, Version: "21.0"})
	r.LocalFile = file
	r.Status = update.StatusVerified
	r.PersistentStatus = update.PersistentVerified

	return r
}

type zipEntry struct {
	name string
	data []byte
}

// writeStoredZip writes entries uncompressed and without data descriptors, so
// every local header is exactly 30 bytes plus the name.
func writeStoredZip(t *testing.T, path string, entries ...zipEntry) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)

	for _, e := range entries {
		w, err := zw.CreateRaw(&zip.FileHeader{
			Name:               e.name,
			Method:             zip.Store,
			CRC32:              crc32.ChecksumIEEE(e.data),
			CompressedSize64:   uint64(len(e.data)),
			UncompressedSize64: uint64(len(e.data)),
		})
		require.NoError(t, err)

		_, err = w.Write(e.data)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
}

func writeDeflatedZip(t *testing.T, path string, entries ...zipEntry) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)

	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)

		_, err = w.Write(e.data)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
}

func streamingPackage(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "update-streaming.zip")
	writeDeflatedZip(t, path,
		zipEntry{name: "META-INF/com/android/metadata", data: []byte("ota-type=AB\n")},
		zipEntry{name: PayloadBinary, data: make([]byte, 4096)},
		zipEntry{name: PayloadProperties, data: []byte("FILE_HASH=abc\nFILE_SIZE=4096\n\nMETADATA_HASH=def\n")},
	)

	return path
}
