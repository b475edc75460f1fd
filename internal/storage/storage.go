package storage

import (
	"errors"

	"github.com/italolelis/firmware_updater/internal/update"
)

// ErrNotFound is returned when a ledger row or preference does not exist.
var ErrNotFound = errors.New("not found")

// UpdateRecord is the durable row kept for an update. Transient fields of the
// in-memory record are not stored.
type UpdateRecord struct {
	DownloadID       string
	Path             string
	Timestamp        int64
	Type             string
	Version          string
	Size             int64
	PersistentStatus update.PersistentStatus
}

// UpdateReadRepository lists ledger rows, newest build first.
type UpdateReadRepository interface {
	GetUpdates() ([]UpdateRecord, error)
}

// UpdateWriteRepository mutates ledger rows. SaveUpdate inserts or replaces the
// whole row; ChangeUpdateStatus only touches the status column.
type UpdateWriteRepository interface {
	SaveUpdate(rec UpdateRecord) error
	ChangeUpdateStatus(downloadID string, status update.PersistentStatus) error
	RemoveUpdate(downloadID string) error
}

// UpdateRepository is the Record Store.
type UpdateRepository interface {
	UpdateReadRepository
	UpdateWriteRepository
}

// PreferenceRepository is a small durable key/value store. SetPreferences applies
// all writes and removals in one transaction.
type PreferenceRepository interface {
	GetPreferences() (map[string]string, error)
	SetPreferences(set map[string]string, remove []string) error
}
