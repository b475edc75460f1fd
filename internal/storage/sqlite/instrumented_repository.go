package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/firmware_updater/internal/storage"
	"github.com/italolelis/firmware_updater/internal/telemetry"
	"github.com/italolelis/firmware_updater/internal/update"
)

// InstrumentedUpdateRepository wraps UpdateRepository with telemetry.
type InstrumentedUpdateRepository struct {
	repo      *UpdateRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedUpdateRepository creates a new instrumented update repository.
func NewInstrumentedUpdateRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedUpdateRepository {
	return &InstrumentedUpdateRepository{
		repo:      NewUpdateRepository(dbConn),
		telemetry: tel,
	}
}

// GetUpdates retrieves all ledger rows with telemetry.
func (r *InstrumentedUpdateRepository) GetUpdates() ([]storage.UpdateRecord, error) {
	var result []storage.UpdateRecord

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_updates", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetUpdates()

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SaveUpdate upserts a ledger row with telemetry.
func (r *InstrumentedUpdateRepository) SaveUpdate(rec storage.UpdateRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "save_update", func(ctx context.Context) error {
		return r.repo.SaveUpdate(rec)
	})
}

// ChangeUpdateStatus updates a row's status with telemetry.
func (r *InstrumentedUpdateRepository) ChangeUpdateStatus(downloadID string, status update.PersistentStatus) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "change_update_status", func(ctx context.Context) error {
		return r.repo.ChangeUpdateStatus(downloadID, status)
	})
}

// RemoveUpdate deletes a ledger row with telemetry.
func (r *InstrumentedUpdateRepository) RemoveUpdate(downloadID string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "remove_update", func(ctx context.Context) error {
		return r.repo.RemoveUpdate(downloadID)
	})
}

// InstrumentedPreferenceRepository wraps PreferenceRepository with telemetry.
type InstrumentedPreferenceRepository struct {
	repo      *PreferenceRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedPreferenceRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedPreferenceRepository {
	return &InstrumentedPreferenceRepository{
		repo:      NewPreferenceRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedPreferenceRepository) GetPreferences() (map[string]string, error) {
	var result map[string]string

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_preferences", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetPreferences()

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedPreferenceRepository) SetPreferences(set map[string]string, remove []string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "set_preferences", func(ctx context.Context) error {
		return r.repo.SetPreferences(set, remove)
	})
}
