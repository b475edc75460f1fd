package sqlite

import (
	"database/sql"

	"github.com/italolelis/firmware_updater/internal/storage"
	"github.com/italolelis/firmware_updater/internal/update"
)

// UpdateRepository implements storage.UpdateRepository on the updates table.
type UpdateRepository struct {
	db *sql.DB
}

func NewUpdateRepository(dbConn *sql.DB) *UpdateRepository {
	return &UpdateRepository{db: dbConn}
}

func (r *UpdateRepository) GetUpdates() ([]storage.UpdateRecord, error) {
	rows, err := r.db.Query(`SELECT download_id, path, timestamp, type, version, size, status
		FROM updates ORDER BY timestamp DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []storage.UpdateRecord

	for rows.Next() {
		var (
			record storage.UpdateRecord
			path   sql.NullString
			status int
		)

		if err := rows.Scan(&record.DownloadID, &path, &record.Timestamp, &record.Type,
			&record.Version, &record.Size, &status); err != nil {
			return nil, err
		}

		record.Path = path.String
		record.PersistentStatus = update.PersistentStatus(status)

		updates = append(updates, record)
	}

	return updates, rows.Err()
}

// SaveUpdate inserts the row or replaces every column of an existing one.
func (r *UpdateRepository) SaveUpdate(rec storage.UpdateRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO updates (download_id, path, timestamp, type, version, size, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(download_id) DO UPDATE SET
			path = excluded.path,
			timestamp = excluded.timestamp,
			type = excluded.type,
			version = excluded.version,
			size = excluded.size,
			status = excluded.status
	`, rec.DownloadID, rec.Path, rec.Timestamp, rec.Type, rec.Version, rec.Size, int(rec.PersistentStatus))

	return err
}

// ChangeUpdateStatus sets the persistent status of a row.
func (r *UpdateRepository) ChangeUpdateStatus(downloadID string, status update.PersistentStatus) error {
	res, err := r.db.Exec(`UPDATE updates SET status = ? WHERE download_id = ?`, int(status), downloadID)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// RemoveUpdate deletes a row. Removing a missing row is not an error.
func (r *UpdateRepository) RemoveUpdate(downloadID string) error {
	_, err := r.db.Exec(`DELETE FROM updates WHERE download_id = ?`, downloadID)

	return err
}
