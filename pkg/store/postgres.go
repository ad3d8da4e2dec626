package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aeroforge/firmware/backend/pkg/build"
)

// PostgresStore persists build records to Postgres. One row per build id;
// Update runs inside a transaction with the row locked, so a state
// transition is durable before it becomes observable.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS firmware_builds (
    id TEXT PRIMARY KEY,
    vehicle TEXT NOT NULL,
    board TEXT NOT NULL,
    version TEXT NOT NULL,
    features TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    state TEXT NOT NULL,
    workspace_slot INT,
    progress INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    error_kind TEXT,
    error TEXT,
    artifact_ref TEXT,
    log_ref TEXT
);
CREATE INDEX IF NOT EXISTS firmware_builds_state_idx ON firmware_builds (state);
CREATE INDEX IF NOT EXISTS firmware_builds_created_idx ON firmware_builds (created_at DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const buildColumns = `id, vehicle, board, version, features, fingerprint, state, workspace_slot, progress, created_at, started_at, finished_at, error_kind, error, artifact_ref, log_ref`

func (s *PostgresStore) Create(ctx context.Context, b build.Build) error {
	features, err := json.Marshal(b.Request.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	query := `INSERT INTO firmware_builds (` + buildColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err = s.db.ExecContext(ctx, query,
		b.ID,
		b.Request.Vehicle,
		b.Request.Board,
		b.Request.Version,
		string(features),
		b.Fingerprint,
		b.State,
		b.WorkspaceSlot,
		b.Progress,
		b.CreatedAt,
		b.StartedAt,
		b.FinishedAt,
		nullIfEmpty(string(b.ErrorKind)),
		nullIfEmpty(b.Error),
		nullIfEmpty(b.ArtifactRef),
		nullIfEmpty(b.LogRef),
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (build.Build, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM firmware_builds WHERE id=$1`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return build.Build{}, ErrNotFound
	}
	return b, err
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*build.Build) error) (build.Build, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return build.Build{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM firmware_builds WHERE id=$1 FOR UPDATE`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return build.Build{}, ErrNotFound
	}
	if err != nil {
		return build.Build{}, err
	}
	if b.State.Terminal() {
		return build.Build{}, ErrAlreadyTerminal
	}
	prior := b.State
	if err := fn(&b); err != nil {
		return build.Build{}, err
	}
	if b.State != prior && !prior.CanTransition(b.State) {
		return build.Build{}, ErrIllegalTransition
	}

	features, err := json.Marshal(b.Request.Features)
	if err != nil {
		return build.Build{}, fmt.Errorf("encode features: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE firmware_builds SET
    vehicle=$2, board=$3, version=$4, features=$5, fingerprint=$6, state=$7,
    workspace_slot=$8, progress=$9, started_at=$10, finished_at=$11,
    error_kind=$12, error=$13, artifact_ref=$14, log_ref=$15
WHERE id=$1`,
		b.ID,
		b.Request.Vehicle,
		b.Request.Board,
		b.Request.Version,
		string(features),
		b.Fingerprint,
		b.State,
		b.WorkspaceSlot,
		b.Progress,
		b.StartedAt,
		b.FinishedAt,
		nullIfEmpty(string(b.ErrorKind)),
		nullIfEmpty(b.Error),
		nullIfEmpty(b.ArtifactRef),
		nullIfEmpty(b.LogRef),
	)
	if err != nil {
		return build.Build{}, err
	}
	if err := tx.Commit(); err != nil {
		return build.Build{}, err
	}
	return b, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]build.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM firmware_builds WHERE 1=1`
	args := []any{}
	if f.Vehicle != "" {
		args = append(args, f.Vehicle)
		query += fmt.Sprintf(` AND vehicle=$%d`, len(args))
	}
	if f.Board != "" {
		args = append(args, f.Board)
		query += fmt.Sprintf(` AND board=$%d`, len(args))
	}
	if f.State != "" {
		args = append(args, f.State)
		query += fmt.Sprintf(` AND state=$%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []build.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM firmware_builds WHERE state IN ($1,$2)`,
		build.StatePending, build.StateRunning,
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) ReconcileInterrupted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE firmware_builds SET
    state=$1, error_kind=$2, error=$3, workspace_slot=NULL, finished_at=NOW()
WHERE state=$4`,
		build.StateFailure,
		build.ErrKindInterrupted,
		"orchestrator restarted while build was running",
		build.StateRunning,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (build.Build, error) {
	var (
		b           build.Build
		features    string
		slot        sql.NullInt64
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
		errorKind   sql.NullString
		errMsg      sql.NullString
		artifactRef sql.NullString
		logRef      sql.NullString
	)
	err := row.Scan(
		&b.ID,
		&b.Request.Vehicle,
		&b.Request.Board,
		&b.Request.Version,
		&features,
		&b.Fingerprint,
		&b.State,
		&slot,
		&b.Progress,
		&b.CreatedAt,
		&startedAt,
		&finishedAt,
		&errorKind,
		&errMsg,
		&artifactRef,
		&logRef,
	)
	if err != nil {
		return build.Build{}, err
	}
	if err := json.Unmarshal([]byte(features), &b.Request.Features); err != nil {
		return build.Build{}, fmt.Errorf("decode features: %w", err)
	}
	if slot.Valid {
		v := int(slot.Int64)
		b.WorkspaceSlot = &v
	}
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		b.FinishedAt = &finishedAt.Time
	}
	if errorKind.Valid {
		b.ErrorKind = build.ErrorKind(errorKind.String)
	}
	if errMsg.Valid {
		b.Error = errMsg.String
	}
	if artifactRef.Valid {
		b.ArtifactRef = artifactRef.String
	}
	if logRef.Valid {
		b.LogRef = logRef.String
	}
	return b, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
