package install

import "sync"

// Guard serializes installs across both backends. An install is in flight while
// a backend holds the guard or while the durable state names a streaming install
// that is applying or waiting for a reboot, so the exclusion survives restarts.
type Guard struct {
	state *StateStore

	mu     sync.Mutex
	active string
}

func NewGuard(state *StateStore) *Guard {
	return &Guard{state: state}
}

// TryAcquire marks id as installing. It fails if any install is in flight.
func (g *Guard) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.busyLocked() {
		return false
	}

	g.active = id

	return true
}

// Release drops the in-memory marker if id holds it.
func (g *Guard) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == id {
		g.active = ""
	}
}

// Busy reports whether any install is in flight.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.busyLocked()
}

// Holds reports whether the in-flight install is the one of id.
func (g *Guard) Holds(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state.Get()

	return id != "" && (g.active == id || st.InstallingID == id || st.NeedsRebootID == id)
}

func (g *Guard) busyLocked() bool {
	st := g.state.Get()

	return g.active != "" || st.InstallingID != "" || st.NeedsRebootID != ""
}
