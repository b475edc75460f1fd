package sqlite

import (
	"database/sql"
	"fmt"
)

// PreferenceRepository implements storage.PreferenceRepository on the preferences table.
type PreferenceRepository struct {
	db *sql.DB
}

func NewPreferenceRepository(dbConn *sql.DB) *PreferenceRepository {
	return &PreferenceRepository{db: dbConn}
}

func (r *PreferenceRepository) GetPreferences() (map[string]string, error) {
	rows, err := r.db.Query(`SELECT key, value FROM preferences`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prefs := make(map[string]string)

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}

		prefs[key] = value
	}

	return prefs, rows.Err()
}

// SetPreferences writes set and deletes remove in a single transaction.
func (r *PreferenceRepository) SetPreferences(set map[string]string, remove []string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for key, value := range set {
		if _, err := tx.Exec(`INSERT INTO preferences (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to set preference %q: %w", key, err)
		}
	}

	for _, key := range remove {
		if _, err := tx.Exec(`DELETE FROM preferences WHERE key = ?`, key); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to remove preference %q: %w", key, err)
		}
	}

	return tx.Commit()
}
