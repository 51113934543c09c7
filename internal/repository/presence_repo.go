package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/jmoiron/sqlx"
)

type presenceRepository struct {
	db *sqlx.DB
}

func NewPresenceRepository(db *sqlx.DB) PresenceRepository {
	return &presenceRepository{db: db}
}

func (r *presenceRepository) GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	var p models.DriverPresence
	err := r.db.GetContext(ctx, &p, `SELECT * FROM driver_presence WHERE driver_id = $1`, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get presence %s: %w", driverID, err)
	}
	return &p, nil
}

func (r *presenceRepository) SetOnline(ctx context.Context, driverID string, online bool, at time.Time) (*models.DriverPresence, error) {
	var p models.DriverPresence
	query := `
		INSERT INTO driver_presence (driver_id, is_online, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (driver_id) DO UPDATE
		SET is_online = EXCLUDED.is_online, updated_at = EXCLUDED.updated_at
		RETURNING *
	`
	if err := r.db.GetContext(ctx, &p, query, driverID, online, at); err != nil {
		return nil, fmt.Errorf("upsert presence %s: %w", driverID, err)
	}
	return &p, nil
}

func (r *presenceRepository) UpdateLocation(ctx context.Context, driverID string, lat, lng float64, at time.Time) (*models.DriverPresence, error) {
	var p models.DriverPresence
	query := `
		INSERT INTO driver_presence (driver_id, is_online, last_lat, last_lng, location_updated_at, updated_at)
		VALUES ($1, FALSE, $2, $3, $4, $4)
		ON CONFLICT (driver_id) DO UPDATE
		SET last_lat = EXCLUDED.last_lat,
		    last_lng = EXCLUDED.last_lng,
		    location_updated_at = EXCLUDED.location_updated_at,
		    updated_at = EXCLUDED.updated_at
		RETURNING *
	`
	if err := r.db.GetContext(ctx, &p, query, driverID, lat, lng, at); err != nil {
		return nil, fmt.Errorf("upsert location %s: %w", driverID, err)
	}
	return &p, nil
}

func (r *presenceRepository) ListOnline(ctx context.Context) ([]*models.DriverPresence, error) {
	var out []*models.DriverPresence
	query := `SELECT * FROM driver_presence WHERE is_online ORDER BY driver_id`
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("list online drivers: %w", err)
	}
	return out, nil
}

func (r *presenceRepository) CountOnline(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM driver_presence WHERE is_online`); err != nil {
		return 0, fmt.Errorf("count online drivers: %w", err)
	}
	return n, nil
}
