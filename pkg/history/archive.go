// Package history is the optional Postgres archive: activity rows mirrored
// off the event bus, workflow run history, and retro records. When no
// database is configured the daemon runs without it and the in-memory
// stores stay authoritative.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/agenthub/hubd/pkg/workflow"
)

//go:embed migrations
var migrationsFS embed.FS

// Archive is an open history database.
type Archive struct {
	db *sql.DB
}

// Open connects, applies pending migrations and returns the archive.
func Open(ctx context.Context, databaseURL string) (*Archive, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

// DB exposes the raw handle for health checks.
func (a *Archive) DB() *sql.DB { return a.db }

// Close releases the database.
func (a *Archive) Close() error { return a.db.Close() }

func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "history", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Closing m would also close the shared *sql.DB; only the source
	// driver is ours to close.
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// Activity is one archived event row.
type Activity struct {
	ID         string
	EventType  string
	TaskID     string
	Agent      string
	Data       map[string]any
	OccurredAt time.Time
}

// InsertActivity stores one activity row.
func (a *Archive) InsertActivity(ctx context.Context, act Activity) error {
	var data []byte
	if act.Data != nil {
		var err error
		data, err = json.Marshal(act.Data)
		if err != nil {
			return err
		}
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO activities (id, event_type, task_id, agent, data, occurred_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		act.ID, act.EventType, act.TaskID, act.Agent, data, act.OccurredAt)
	return err
}

// ActivitiesByTask returns the task's activity rows oldest-first.
func (a *Archive) ActivitiesByTask(ctx context.Context, taskID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, event_type, COALESCE(task_id, ''), COALESCE(agent, ''), data, occurred_at
		 FROM activities WHERE task_id = $1 ORDER BY occurred_at ASC LIMIT $2`,
		taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []Activity
	for rows.Next() {
		var act Activity
		var data []byte
		if err := rows.Scan(&act.ID, &act.EventType, &act.TaskID, &act.Agent, &data, &act.OccurredAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &act.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

// UpsertRun mirrors one workflow run row.
func (a *Archive) UpsertRun(ctx context.Context, run workflow.Run) error {
	var triggerCtx []byte
	if run.TriggerContext != nil {
		var err error
		triggerCtx, err = json.Marshal(run.TriggerContext)
		if err != nil {
			return err
		}
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_name, status, trigger_ctx, started_at, completed_at, retro_id)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   completed_at = EXCLUDED.completed_at,
		   retro_id = EXCLUDED.retro_id`,
		run.ID, run.WorkflowName, string(run.Status), triggerCtx, run.StartedAt, run.CompletedAt, run.RetroID)
	return err
}

// UpsertStepRun mirrors one step-run row.
func (a *Archive) UpsertStepRun(ctx context.Context, sr workflow.StepRun) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO step_runs (id, run_id, step_id, status, assigned_to, started_at, completed_at, attempt, result)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''))
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   assigned_to = EXCLUDED.assigned_to,
		   started_at = EXCLUDED.started_at,
		   completed_at = EXCLUDED.completed_at,
		   attempt = EXCLUDED.attempt,
		   result = EXCLUDED.result`,
		sr.ID, sr.RunID, sr.StepID, string(sr.Status), sr.AssignedTo,
		sr.StartedAt, sr.CompletedAt, sr.Attempt, sr.Result)
	return err
}

// Runs returns up to limit most recent archived runs.
func (a *Archive) Runs(ctx context.Context, limit int) ([]workflow.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, workflow_name, status, trigger_ctx, started_at, completed_at, COALESCE(retro_id, '')
		 FROM workflow_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []workflow.Run
	for rows.Next() {
		var run workflow.Run
		var status string
		var triggerCtx []byte
		if err := rows.Scan(&run.ID, &run.WorkflowName, &status, &triggerCtx,
			&run.StartedAt, &run.CompletedAt, &run.RetroID); err != nil {
			return nil, err
		}
		run.Status = workflow.RunStatus(status)
		if len(triggerCtx) > 0 {
			if err := json.Unmarshal(triggerCtx, &run.TriggerContext); err != nil {
				return nil, err
			}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
