package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Store keeps the render history in PostgreSQL.
type Store struct {
	conn *pgx.Conn
}

// Source is an input file seen by the renderer.
type Source struct {
	ID       string
	Path     string
	Kind     string
	Width    int
	Height   int
	LastSeen time.Time
}

// Render is one finished (or interrupted) render session.
type Render struct {
	SessionID        string
	SourceID         string
	SourcePath       string
	OutputPath       string
	Mode             string
	Texture          string
	FramesRendered   int
	FramesSkipped    int
	FacesDrawn       int
	FacesDropped     int
	TrianglesDrawn   int
	TrianglesSkipped int
	EncoderDropped   int
	Paused           bool
	Elapsed          time.Duration
	CreatedAt        time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS source_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			kind TEXT NOT NULL,
			width INT NOT NULL DEFAULT 0,
			height INT NOT NULL DEFAULT 0,
			last_seen TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS renders (
			session_id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES source_metadata(id) ON DELETE CASCADE,
			output_path TEXT NOT NULL,
			mode TEXT NOT NULL,
			texture TEXT NOT NULL DEFAULT '',
			frames_rendered INT NOT NULL,
			frames_skipped INT NOT NULL,
			faces_drawn INT NOT NULL,
			faces_dropped INT NOT NULL,
			triangles_drawn INT NOT NULL,
			triangles_skipped INT NOT NULL,
			encoder_dropped INT NOT NULL,
			paused BOOLEAN NOT NULL DEFAULT FALSE,
			elapsed_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS renders_source_id_idx ON renders (source_id);
		CREATE INDEX IF NOT EXISTS renders_created_at_idx ON renders (created_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureSourceMetadata registers the input. If it exists, path, size and
// timestamp are refreshed.
func (s *Store) EnsureSourceMetadata(ctx context.Context, src Source) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO source_metadata (id, path, kind, width, height, last_seen)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path, kind = EXCLUDED.kind,
			width = EXCLUDED.width, height = EXCLUDED.height, last_seen = NOW()
	`, src.ID, src.Path, src.Kind, src.Width, src.Height)
	return err
}

// InsertRender records a render session against an existing source.
func (s *Store) InsertRender(ctx context.Context, r Render) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO renders (
			session_id, source_id, output_path, mode, texture,
			frames_rendered, frames_skipped, faces_drawn, faces_dropped,
			triangles_drawn, triangles_skipped, encoder_dropped, paused, elapsed_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.SessionID, r.SourceID, r.OutputPath, r.Mode, r.Texture,
		r.FramesRendered, r.FramesSkipped, r.FacesDrawn, r.FacesDropped,
		r.TrianglesDrawn, r.TrianglesSkipped, r.EncoderDropped, r.Paused, r.Elapsed.Milliseconds())
	return err
}

// ListRenders returns the most recent renders first. limit <= 0 means all.
func (s *Store) ListRenders(ctx context.Context, limit int) ([]Render, error) {
	query := `
		SELECT r.session_id, r.source_id, m.path, r.output_path, r.mode, r.texture,
			r.frames_rendered, r.frames_skipped, r.faces_drawn, r.faces_dropped,
			r.triangles_drawn, r.triangles_skipped, r.encoder_dropped, r.paused,
			r.elapsed_ms, r.created_at
		FROM renders r
		JOIN source_metadata m ON m.id = r.source_id
		ORDER BY r.created_at DESC, r.session_id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var renders []Render
	for rows.Next() {
		var r Render
		var elapsedMs int64
		if err := rows.Scan(&r.SessionID, &r.SourceID, &r.SourcePath, &r.OutputPath, &r.Mode, &r.Texture,
			&r.FramesRendered, &r.FramesSkipped, &r.FacesDrawn, &r.FacesDropped,
			&r.TrianglesDrawn, &r.TrianglesSkipped, &r.EncoderDropped, &r.Paused,
			&elapsedMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		renders = append(renders, r)
	}
	return renders, rows.Err()
}

// GetSource fetches a source by ID. It returns nil when the source is unknown.
func (s *Store) GetSource(ctx context.Context, id string) (*Source, error) {
	var src Source
	err := s.conn.QueryRow(ctx,
		"SELECT id, path, kind, width, height, last_seen FROM source_metadata WHERE id = $1", id,
	).Scan(&src.ID, &src.Path, &src.Kind, &src.Width, &src.Height, &src.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// Reset drops all application tables to clear the database state.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS renders CASCADE;
		DROP TABLE IF EXISTS source_metadata CASCADE;
	`)
	return err
}
