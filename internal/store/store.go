package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/stickercam/internal/types"
)

// ErrPresetNotFound is returned when a named preset does not exist.
var ErrPresetNotFound = errors.New("preset not found")

// Store manages the PostgreSQL connection holding sticker presets and render sessions.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sticker_presets (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS preset_stickers (
			preset_id INT NOT NULL REFERENCES sticker_presets(id) ON DELETE CASCADE,
			position INT NOT NULL,
			sticker_id TEXT NOT NULL,
			asset TEXT NOT NULL,
			category TEXT NOT NULL,
			pin_x DOUBLE PRECISION NOT NULL DEFAULT 0,
			pin_y DOUBLE PRECISION NOT NULL DEFAULT 0,
			pin_scale DOUBLE PRECISION NOT NULL DEFAULT 0,
			pin_rotation DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (preset_id, position)
		);
		CREATE TABLE IF NOT EXISTS render_sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			ticks BIGINT NOT NULL DEFAULT 0,
			detections BIGINT NOT NULL DEFAULT 0,
			dropped BIGINT NOT NULL DEFAULT 0,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS render_sessions_started_at_idx ON render_sessions (started_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SavePreset stores stickers under name in registry order, replacing any preset of the same name.
func (s *Store) SavePreset(ctx context.Context, name string, stickers []types.StickerSpec) error {
	if name == "" {
		return errors.New("preset name is required")
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var id int
	err = tx.QueryRow(ctx, `
		INSERT INTO sticker_presets (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET updated_at = NOW()
		RETURNING id
	`, name).Scan(&id)
	if err != nil {
		return err
	}

	// Replace the contents wholesale; positions are re-numbered from the new order
	if _, err := tx.Exec(ctx, "DELETE FROM preset_stickers WHERE preset_id = $1", id); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for i, st := range stickers {
		batch.Queue(`
			INSERT INTO preset_stickers (preset_id, position, sticker_id, asset, category, pin_x, pin_y, pin_scale, pin_rotation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, id, i, st.ID, st.Asset, st.Category.String(), st.Pin.X, st.Pin.Y, st.Pin.Scale, st.Pin.Rotation)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// LoadPreset returns the preset's stickers in their saved order.
func (s *Store) LoadPreset(ctx context.Context, name string) ([]types.StickerSpec, error) {
	var id int
	err := s.conn.QueryRow(ctx, "SELECT id FROM sticker_presets WHERE name = $1", name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(ctx, `
		SELECT sticker_id, asset, category, pin_x, pin_y, pin_scale, pin_rotation
		FROM preset_stickers WHERE preset_id = $1 ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.StickerSpec
	for rows.Next() {
		var st types.StickerSpec
		var category string
		if err := rows.Scan(&st.ID, &st.Asset, &category, &st.Pin.X, &st.Pin.Y, &st.Pin.Scale, &st.Pin.Rotation); err != nil {
			return nil, err
		}
		if st.Category, err = types.ParseCategory(category); err != nil {
			return nil, fmt.Errorf("preset %s: %w", name, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PresetInfo summarizes a saved preset.
type PresetInfo struct {
	Name      string
	Count     int
	UpdatedAt time.Time
}

// ListPresets returns every preset, most recently updated first.
func (s *Store) ListPresets(ctx context.Context) ([]PresetInfo, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT p.name, COUNT(ps.position), p.updated_at
		FROM sticker_presets p
		LEFT JOIN preset_stickers ps ON ps.preset_id = p.id
		GROUP BY p.id
		ORDER BY p.updated_at DESC, p.name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PresetInfo
	for rows.Next() {
		var p PresetInfo
		if err := rows.Scan(&p.Name, &p.Count, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePreset removes a preset. It reports whether one existed.
func (s *Store) DeletePreset(ctx context.Context, name string) (bool, error) {
	tag, err := s.conn.Exec(ctx, "DELETE FROM sticker_presets WHERE name = $1", name)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Session is one run of the render loop.
type Session struct {
	ID         string
	Source     string
	StartedAt  time.Time
	EndedAt    *time.Time
	Ticks      uint64
	Detections uint64
	Dropped    uint64
	Error      string
}

// StartSession records that a render session began.
func (s *Store) StartSession(ctx context.Context, id, source string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO render_sessions (id, source, started_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET source = EXCLUDED.source, started_at = NOW(), ended_at = NULL
	`, id, source)
	return err
}

// EndSession stores the final counters of a session. runErr may be nil.
func (s *Store) EndSession(ctx context.Context, id string, ticks, detections, dropped uint64, runErr error) error {
	var msg *string
	if runErr != nil {
		m := runErr.Error()
		msg = &m
	}
	_, err := s.conn.Exec(ctx, `
		UPDATE render_sessions
		SET ended_at = NOW(), ticks = $2, detections = $3, dropped = $4, error = $5
		WHERE id = $1
	`, id, int64(ticks), int64(detections), int64(dropped), msg)
	return err
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, source, started_at, ended_at, ticks, detections, dropped, COALESCE(error, '')
		FROM render_sessions ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var ss Session
		var ticks, detections, dropped int64
		if err := rows.Scan(&ss.ID, &ss.Source, &ss.StartedAt, &ss.EndedAt, &ticks, &detections, &dropped, &ss.Error); err != nil {
			return nil, err
		}
		ss.Ticks, ss.Detections, ss.Dropped = uint64(ticks), uint64(detections), uint64(dropped)
		out = append(out, ss)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS preset_stickers CASCADE;
		DROP TABLE IF EXISTS sticker_presets CASCADE;
		DROP TABLE IF EXISTS render_sessions CASCADE;
	`)
	return err
}
