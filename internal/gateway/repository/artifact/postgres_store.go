package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	core "copyflow/internal/artifact"
)

var (
	runsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "status", Type: field.TypeString},
		{Name: "content_type", Type: field.TypeString},
		{Name: "record", Type: field.TypeJSON},
		{Name: "expires_at", Type: field.TypeTime, Nullable: true},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	runsTable = &schema.Table{
		Name:       "copy_runs",
		Columns:    runsColumns,
		PrimaryKey: []*schema.Column{runsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "copyrun_status", Columns: []*schema.Column{runsColumns[1]}},
		},
	}

	artifactsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt, Increment: true},
		{Name: "run_id", Type: field.TypeString},
		{Name: "phase_index", Type: field.TypeInt},
		{Name: "phase", Type: field.TypeString},
		{Name: "kind", Type: field.TypeString},
		{Name: "version", Type: field.TypeInt},
		{Name: "payload", Type: field.TypeJSON},
		{Name: "created_at", Type: field.TypeTime},
	}
	artifactsTable = &schema.Table{
		Name:       "copy_artifacts",
		Columns:    artifactsColumns,
		PrimaryKey: []*schema.Column{artifactsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "copyartifact_key", Unique: true, Columns: []*schema.Column{artifactsColumns[1], artifactsColumns[2], artifactsColumns[3], artifactsColumns[5]}},
			{Name: "copyartifact_run_id_phase", Columns: []*schema.Column{artifactsColumns[1], artifactsColumns[3]}},
		},
	}

	eventsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt, Increment: true},
		{Name: "run_id", Type: field.TypeString},
		{Name: "seq", Type: field.TypeInt64},
		{Name: "payload", Type: field.TypeJSON},
		{Name: "created_at", Type: field.TypeTime},
	}
	eventsTable = &schema.Table{
		Name:       "copy_run_events",
		Columns:    eventsColumns,
		PrimaryKey: []*schema.Column{eventsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "copyrunevent_run_id_seq", Unique: true, Columns: []*schema.Column{eventsColumns[1], eventsColumns[2]}},
		},
	}

	artifactFields = []string{"run_id", "phase_index", "phase", "kind", "version", "payload", "created_at"}
)

// PostgresStore implements RunStore, Store and EventLog on PostgreSQL through the pgx
// database/sql driver. Tables are created on first use.
type PostgresStore struct {
	db         *sql.DB
	drv        *entsql.Driver
	schemaOnce sync.Once
	schemaErr  error
}

// OpenPostgres opens dsn with the "pgx" driver.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, drv: entsql.OpenDB(dialect.Postgres, db)}
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates or upgrades the store's tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		m, err := schema.NewMigrate(s.drv)
		if err != nil {
			s.schemaErr = fmt.Errorf("init migrate: %w", err)
			return
		}
		if err := m.Create(ctx, runsTable, artifactsTable, eventsTable); err != nil {
			s.schemaErr = fmt.Errorf("migrate: %w", err)
		}
	})
	return s.schemaErr
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.Postgres)
}

func (s *PostgresStore) CreateRun(ctx context.Context, run Run) error {
	id, err := checkRunID(run.ID)
	if err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	run.ID = id
	rec, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	q, args := builder().Insert(runsTable.Name).
		Columns("id", "status", "content_type", "record", "expires_at", "created_at", "updated_at").
		Values(id, string(run.Status), run.ContentType, string(rec), nullTime(run.ExpiresAt), run.CreatedAt, run.UpdatedAt).
		Query()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrRunExists, id)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (Run, error) {
	id, err := checkRunID(id)
	if err != nil {
		return Run{}, err
	}
	if err := s.Migrate(ctx); err != nil {
		return Run{}, err
	}
	b := builder()
	q, args := b.Select("record").From(b.Table(runsTable.Name)).Where(entsql.EQ("id", id)).Query()
	return scanRun(s.db.QueryRowContext(ctx, q, args...), id)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, id string, fn func(*Run) error) (Run, error) {
	id, err := checkRunID(id)
	if err != nil {
		return Run{}, err
	}
	if err := s.Migrate(ctx); err != nil {
		return Run{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	b := builder()
	q, args := b.Select("record").From(b.Table(runsTable.Name)).Where(entsql.EQ("id", id)).ForUpdate().Query()
	run, err := scanRun(tx.QueryRowContext(ctx, q, args...), id)
	if err != nil {
		return Run{}, err
	}
	if err := fn(&run); err != nil {
		return Run{}, err
	}
	run.ID = id
	rec, err := json.Marshal(run)
	if err != nil {
		return Run{}, fmt.Errorf("encode run: %w", err)
	}
	q, args = b.Update(runsTable.Name).
		Set("status", string(run.Status)).
		Set("record", string(rec)).
		Set("expires_at", nullTime(run.ExpiresAt)).
		Set("updated_at", run.UpdatedAt).
		Where(entsql.EQ("id", id)).
		Query()
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("commit: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, status Status) ([]Run, error) {
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	b := builder()
	sel := b.Select("record").From(b.Table(runsTable.Name)).OrderBy("created_at", "id")
	if status != "" {
		sel = sel.Where(entsql.EQ("status", string(status)))
	}
	q, args := sel.Query()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var run Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutArtifact(ctx context.Context, a core.PhaseArtifact) error {
	if err := checkArtifact(a); err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q, args := builder().Insert(artifactsTable.Name).
		Columns(artifactFields...).
		Values(a.RunID, a.PhaseIndex, a.Phase, string(a.Kind), a.Version, string(a.Payload), created).
		Query()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrArtifactExists, a.Key())
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, key core.Key) (core.PhaseArtifact, error) {
	if err := s.Migrate(ctx); err != nil {
		return core.PhaseArtifact{}, err
	}
	b := builder()
	q, args := b.Select(artifactFields...).From(b.Table(artifactsTable.Name)).
		Where(entsql.And(
			entsql.EQ("run_id", key.RunID),
			entsql.EQ("phase_index", key.PhaseIndex),
			entsql.EQ("phase", key.Phase),
			entsql.EQ("version", key.Version),
		)).
		Query()
	a, err := scanArtifact(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return core.PhaseArtifact{}, fmt.Errorf("artifact %s: %w", key, ErrNotFound)
	}
	return a, err
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, runID string) ([]core.PhaseArtifact, error) {
	runID, err := checkRunID(runID)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	b := builder()
	q, args := b.Select(artifactFields...).From(b.Table(artifactsTable.Name)).
		Where(entsql.EQ("run_id", runID)).
		OrderBy("phase_index", "phase", "version").
		Query()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.PhaseArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Latest(ctx context.Context, runID, phase string) (core.PhaseArtifact, bool, error) {
	runID, err := checkRunID(runID)
	if err != nil {
		return core.PhaseArtifact{}, false, err
	}
	if err := s.Migrate(ctx); err != nil {
		return core.PhaseArtifact{}, false, err
	}
	b := builder()
	q, args := b.Select(artifactFields...).From(b.Table(artifactsTable.Name)).
		Where(entsql.And(entsql.EQ("run_id", runID), entsql.EQ("phase", phase))).
		OrderBy(entsql.Desc("version")).
		Limit(1).
		Query()
	a, err := scanArtifact(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return core.PhaseArtifact{}, false, nil
	}
	if err != nil {
		return core.PhaseArtifact{}, false, err
	}
	return a, true, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, rec EventRecord) error {
	rec, err := checkEvent(rec)
	if err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	q, args := builder().Insert(eventsTable.Name).
		Columns("run_id", "seq", "payload", "created_at").
		Values(rec.RunID, rec.Seq, string(rec.Payload), time.Now().UTC()).
		Query()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s#%d", ErrEventExists, rec.RunID, rec.Seq)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	runID, err := checkRunID(runID)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	b := builder()
	q, args := b.Select("seq", "payload").From(b.Table(eventsTable.Name)).
		Where(entsql.EQ("run_id", runID)).
		OrderBy("seq").
		Query()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		rec := EventRecord{RunID: runID}
		var raw []byte
		if err := rows.Scan(&rec.Seq, &raw); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(raw)
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner, id string) (Run, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return Run{}, err
	}
	var run Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return Run{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, nil
}

func scanArtifact(row rowScanner) (core.PhaseArtifact, error) {
	var (
		a       core.PhaseArtifact
		kind    string
		payload []byte
	)
	if err := row.Scan(&a.RunID, &a.PhaseIndex, &a.Phase, &kind, &a.Version, &payload, &a.CreatedAt); err != nil {
		return core.PhaseArtifact{}, err
	}
	a.Kind = core.Kind(kind)
	a.Payload = append([]byte(nil), payload...)
	return a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
