package install

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/italolelis/firmware_updater/internal/storage"
)

// Preference keys of the durable install state.
const (
	keyInstallingID        = "installing_ab_id"
	keySuspendedID         = "installing_suspended_ab_id"
	keySuspendedProgress   = "installing_suspended_progress"
	keySuspendedFinalizing = "installing_suspended_finalizing"
	keyNeedsRebootID       = "needs_reboot_id"
	keyOldTimestamp        = "install_old_timestamp"
	keyNewTimestamp        = "install_new_timestamp"
	keyPackagePath         = "install_package_path"
	keyInstallAgain        = "install_again"
	keyNotified            = "install_notified"
	keyPerformanceMode     = "ab_perf_mode"
	keyBootID              = "boot_id"
	keyCleanupDone         = "cleanup_done"
)

// State is the install bookkeeping that must survive a process restart or a reboot.
type State struct {
	// InstallingID is the update the streaming engine is applying.
	InstallingID string
	// SuspendedID is set while the streaming install of that update is suspended.
	SuspendedID         string
	SuspendedProgress   int
	SuspendedFinalizing bool
	// NeedsRebootID is the update that was applied and waits for a reboot.
	NeedsRebootID string

	// OldTimestamp is the build timestamp the device ran when the last install started.
	OldTimestamp int64
	// NewTimestamp is the timestamp of the build that install was flashing.
	NewTimestamp int64
	PackagePath  string
	InstallAgain bool
	Notified     bool

	PerformanceMode bool
	BootID          string
	CleanupDone     bool
}

// StateStore keeps State in memory and writes every change through to the
// preference repository. It is read from the repository exactly once.
type StateStore struct {
	repo storage.PreferenceRepository

	mu    sync.RWMutex
	state State
}

// NewStateStore loads the persisted state.
func NewStateStore(repo storage.PreferenceRepository) (*StateStore, error) {
	prefs, err := repo.GetPreferences()
	if err != nil {
		return nil, fmt.Errorf("failed to load install state: %w", err)
	}

	return &StateStore{repo: repo, state: decodeState(prefs)}, nil
}

// Get returns a copy of the current state.
func (s *StateStore) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Update applies fn to a copy of the state and persists it. The in-memory state
// only changes once the write succeeded.
func (s *StateStore) Update(fn func(st *State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	fn(&next)

	set, remove := diffState(encodeState(s.state), encodeState(next))
	if len(set) == 0 && len(remove) == 0 {
		return nil
	}

	if err := s.repo.SetPreferences(set, remove); err != nil {
		return fmt.Errorf("failed to persist install state: %w", err)
	}

	s.state = next

	return nil
}

func diffState(prev, next map[string]string) (map[string]string, []string) {
	set := make(map[string]string)

	var remove []string

	for k, v := range next {
		if prev[k] != v {
			set[k] = v
		}
	}

	for k := range prev {
		if _, ok := next[k]; !ok {
			remove = append(remove, k)
		}
	}

	return set, remove
}

// encodeState omits zero values so cleared fields are removed from the store.
func encodeState(st State) map[string]string {
	m := make(map[string]string)

	putString := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	putInt := func(k string, v int64) {
		if v != 0 {
			m[k] = strconv.FormatInt(v, 10)
		}
	}
	putBool := func(k string, v bool) {
		if v {
			m[k] = "true"
		}
	}

	putString(keyInstallingID, st.InstallingID)
	putString(keySuspendedID, st.SuspendedID)
	putInt(keySuspendedProgress, int64(st.SuspendedProgress))
	putBool(keySuspendedFinalizing, st.SuspendedFinalizing)
	putString(keyNeedsRebootID, st.NeedsRebootID)
	putInt(keyOldTimestamp, st.OldTimestamp)
	putInt(keyNewTimestamp, st.NewTimestamp)
	putString(keyPackagePath, st.PackagePath)
	putBool(keyInstallAgain, st.InstallAgain)
	putBool(keyNotified, st.Notified)
	putBool(keyPerformanceMode, st.PerformanceMode)
	putString(keyBootID, st.BootID)
	putBool(keyCleanupDone, st.CleanupDone)

	return m
}

func decodeState(m map[string]string) State {
	getInt := func(k string) int64 {
		v, _ := strconv.ParseInt(m[k], 10, 64)

		return v
	}
	getBool := func(k string) bool {
		v, _ := strconv.ParseBool(m[k])

		return v
	}

	return State{
		InstallingID:        m[keyInstallingID],
		SuspendedID:         m[keySuspendedID],
		SuspendedProgress:   int(getInt(keySuspendedProgress)),
		SuspendedFinalizing: getBool(keySuspendedFinalizing),
		NeedsRebootID:       m[keyNeedsRebootID],
		OldTimestamp:        getInt(keyOldTimestamp),
		NewTimestamp:        getInt(keyNewTimestamp),
		PackagePath:         m[keyPackagePath],
		InstallAgain:        getBool(keyInstallAgain),
		Notified:            getBool(keyNotified),
		PerformanceMode:     getBool(keyPerformanceMode),
		BootID:              m[keyBootID],
		CleanupDone:         getBool(keyCleanupDone),
	}
}
