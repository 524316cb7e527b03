package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dreamware/tremor/internal/cluster"
	"github.com/dreamware/tremor/internal/task"
)

//go:embed schema.sql
var schemaSQL string

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Schema version tracking:
// 1 - Initial schema
// 2 - Index on node_tasks.task_id for RemoveTaskEverywhere
const currentSchemaVersion = 2

var migrations = []string{
	2: "CREATE INDEX IF NOT EXISTS idx_node_tasks_task ON node_tasks(task_id)",
}

// SQLStore implements Store on SQLite or PostgreSQL.
// Queries use $N placeholders and ON CONFLICT upserts, which both
// engines accept.
type SQLStore struct {
	db     *sql.DB
	now    func() time.Time
	driver string
}

// Open creates or opens a database and applies the schema.
//
// For SQLite the connection is configured with:
//   - WAL mode for concurrent reads during writes
//   - 5-second busy timeout for lock contention
//   - a single open connection
//
// This function is idempotent - safe to call multiple times.
func Open(driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	if err := applySchema(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLStore{db: db, driver: driver, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Driver returns the driver name the store was opened with.
func (s *SQLStore) Driver() string {
	return s.driver
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB, driver string) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if driver != DriverSQLite {
		// Postgres has no user_version; every migration is idempotent.
		for v := 2; v < len(migrations); v++ {
			if _, err := db.Exec(migrations[v]); err != nil {
				return fmt.Errorf("migrate to v%d: %w", v, err)
			}
		}
		return nil
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	for v := max(version+1, 2); v <= currentSchemaVersion; v++ {
		if _, err := db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v, err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadTask(ctx context.Context, id string) (*task.Task, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE id = $1", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (s *SQLStore) SaveTask(ctx context.Context, t *task.Task) error {
	cp := t.Clone()
	cp.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`,
		cp.ID, string(cp.Status), string(data), cp.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) ListTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM tasks WHERE status = $1 ORDER BY id", string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadSchedule(ctx context.Context, id string) (*task.Schedule, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM schedules WHERE id = $1", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule %s: %w", id, err)
	}
	var sc task.Schedule
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return nil, fmt.Errorf("decode schedule %s: %w", id, err)
	}
	return &sc, nil
}

func (s *SQLStore) SaveSchedule(ctx context.Context, sc *task.Schedule) error {
	cp := *sc
	cp.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode schedule %s: %w", sc.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, status, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`,
		cp.ID, string(cp.Status), string(data), cp.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", sc.ID, err)
	}
	return nil
}

func (s *SQLStore) ListSchedulesByStatus(ctx context.Context, status task.ScheduleStatus) ([]*task.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM schedules WHERE status = $1 ORDER BY id", string(status))
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*task.Schedule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		var sc task.Schedule
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutEntry(ctx context.Context, e RegistryEntry) (bool, error) {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("put entry %s: %w", e.Key, err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM registry_entries WHERE task_id = $1", e.Key).Scan(&n); err != nil {
		return false, fmt.Errorf("put entry %s: %w", e.Key, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO registry_entries (task_id, partition_id, token, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET partition_id = excluded.partition_id, token = excluded.token, updated_at = excluded.updated_at`,
		e.Key, e.Partition, e.Token, e.UpdatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("put entry %s: %w", e.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("put entry %s: %w", e.Key, err)
	}
	return n > 0, nil
}

func (s *SQLStore) GetEntry(ctx context.Context, key string) (RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT task_id, partition_id, token, updated_at FROM registry_entries WHERE task_id = $1", key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistryEntry{}, ErrNotFound
	}
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("get entry %s: %w", key, err)
	}
	return e, nil
}

func (s *SQLStore) DeleteEntry(ctx context.Context, key string) (RegistryEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("delete entry %s: %w", key, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT task_id, partition_id, token, updated_at FROM registry_entries WHERE task_id = $1", key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistryEntry{}, ErrNotFound
	}
	if err != nil {
		return RegistryEntry{}, fmt.Errorf("delete entry %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM registry_entries WHERE task_id = $1", key); err != nil {
		return RegistryEntry{}, fmt.Errorf("delete entry %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return RegistryEntry{}, fmt.Errorf("delete entry %s: %w", key, err)
	}
	return e, nil
}

func (s *SQLStore) EntriesInPartition(ctx context.Context, partition int) ([]RegistryEntry, error) {
	return s.queryEntries(ctx,
		"SELECT task_id, partition_id, token, updated_at FROM registry_entries WHERE partition_id = $1 ORDER BY task_id",
		partition)
}

func (s *SQLStore) Entries(ctx context.Context) ([]RegistryEntry, error) {
	return s.queryEntries(ctx,
		"SELECT task_id, partition_id, token, updated_at FROM registry_entries ORDER BY task_id")
}

func (s *SQLStore) queryEntries(ctx context.Context, query string, args ...any) ([]RegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []RegistryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (RegistryEntry, error) {
	var (
		e       RegistryEntry
		updated int64
	)
	if err := row.Scan(&e.Key, &e.Partition, &e.Token, &updated); err != nil {
		return RegistryEntry{}, err
	}
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return e, nil
}

func (s *SQLStore) AddNodeTask(ctx context.Context, node, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO node_tasks (node_id, task_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", node, taskID)
	if err != nil {
		return fmt.Errorf("add node task %s/%s: %w", node, taskID, err)
	}
	return nil
}

func (s *SQLStore) RemoveNodeTask(ctx context.Context, node, taskID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM node_tasks WHERE node_id = $1 AND task_id = $2", node, taskID)
	if err != nil {
		return fmt.Errorf("remove node task %s/%s: %w", node, taskID, err)
	}
	return nil
}

func (s *SQLStore) RemoveTaskEverywhere(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM node_tasks WHERE task_id = $1", taskID); err != nil {
		return fmt.Errorf("remove task %s from all nodes: %w", taskID, err)
	}
	return nil
}

func (s *SQLStore) NodeTasks(ctx context.Context, node string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT task_id FROM node_tasks WHERE node_id = $1 ORDER BY task_id", node)
	if err != nil {
		return nil, fmt.Errorf("node tasks %s: %w", node, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) LoadClusterConfig(ctx context.Context) (*cluster.Config, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM cluster_config WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load cluster config: %w", err)
	}
	var cfg cluster.Config
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("decode cluster config: %w", err)
	}
	return &cfg, nil
}

func (s *SQLStore) SaveClusterConfig(ctx context.Context, cfg *cluster.Config) error {
	cp := cfg.Clone()
	cp.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode cluster config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cluster_config (id, data, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), cp.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save cluster config: %w", err)
	}
	return nil
}
