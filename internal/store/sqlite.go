package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) CreatePipeline(ctx context.Context, p *job.PipelineJob, scenes []*job.SceneJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pipeline_jobs (id, script_ref, title, status, scene_job_ids, attempts, cost_accumulated, final_asset_ref, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ScriptRef, p.Title, p.Status, mustJSON(p.SceneJobIDs), mustJSON(p.Attempts),
		p.CostAccumulated, nullString(p.FinalAssetRef), nullString(p.LastError),
		p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert pipeline job: %w", err)
	}

	for _, sc := range scenes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scene_jobs (id, pipeline_job_id, scene_index, current_stage, failed_stage, attempts, fallback_used, inputs, assets, last_error, in_flight, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sc.ID, sc.PipelineJobID, sc.SceneIndex, string(sc.CurrentStage), nullString(string(sc.FailedStage)),
			mustJSON(sc.Attempts), mustJSON(sc.FallbackUsed), mustJSON(sc.Inputs), mustJSON(sc.Assets),
			nullString(sc.LastError), boolToInt(sc.InFlight),
			sc.CreatedAt.Format(time.RFC3339Nano), sc.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert scene job: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) SavePipeline(ctx context.Context, p *job.PipelineJob) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_jobs
		SET status = ?, scene_job_ids = ?, attempts = ?, cost_accumulated = ?, final_asset_ref = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, p.Status, mustJSON(p.SceneJobIDs), mustJSON(p.Attempts), p.CostAccumulated,
		nullString(p.FinalAssetRef), nullString(p.LastError),
		time.Now().UTC().Format(time.RFC3339Nano), p.ID)
	return err
}

func (s *SQLiteStore) SaveScene(ctx context.Context, sc *job.SceneJob) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scene_jobs
		SET current_stage = ?, failed_stage = ?, attempts = ?, fallback_used = ?, inputs = ?, assets = ?, last_error = ?, in_flight = ?, updated_at = ?
		WHERE id = ?
	`, string(sc.CurrentStage), nullString(string(sc.FailedStage)), mustJSON(sc.Attempts),
		mustJSON(sc.FallbackUsed), mustJSON(sc.Inputs), mustJSON(sc.Assets),
		nullString(sc.LastError), boolToInt(sc.InFlight),
		time.Now().UTC().Format(time.RFC3339Nano), sc.ID)
	return err
}

func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (*job.PipelineJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, script_ref, title, status, scene_job_ids, attempts, cost_accumulated, final_asset_ref, last_error, created_at, updated_at
		FROM pipeline_jobs WHERE id = ?
	`, id)
	return scanPipeline(row)
}

func (s *SQLiteStore) GetScene(ctx context.Context, id string) (*job.SceneJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_job_id, scene_index, current_stage, failed_stage, attempts, fallback_used, inputs, assets, last_error, in_flight, created_at, updated_at
		FROM scene_jobs WHERE id = ?
	`, id)
	sc, err := scanScene(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sc, err
}

func (s *SQLiteStore) ListScenes(ctx context.Context, pipelineID string) ([]*job.SceneJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_job_id, scene_index, current_stage, failed_stage, attempts, fallback_used, inputs, assets, last_error, in_flight, created_at, updated_at
		FROM scene_jobs WHERE pipeline_job_id = ? ORDER BY scene_index ASC
	`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scenes []*job.SceneJob
	for rows.Next() {
		sc, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, sc)
	}
	return scenes, rows.Err()
}

func (s *SQLiteStore) ListPipelines(ctx context.Context, limit int) ([]*job.PipelineJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script_ref, title, status, scene_job_ids, attempts, cost_accumulated, final_asset_ref, last_error, created_at, updated_at
		FROM pipeline_jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPipelines(rows)
}

func (s *SQLiteStore) ListActivePipelines(ctx context.Context) ([]*job.PipelineJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script_ref, title, status, scene_job_ids, attempts, cost_accumulated, final_asset_ref, last_error, created_at, updated_at
		FROM pipeline_jobs
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at ASC
	`, job.StatusCompleted, job.StatusFailed, job.StatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPipelines(rows)
}

func (s *SQLiteStore) ClearInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scene_jobs SET in_flight = 0, updated_at = ? WHERE in_flight = 1`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) AppendCallRecord(ctx context.Context, rec *job.StageCallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_calls (id, pipeline_job_id, scene_job_id, stage, outcome, started_at, ended_at, provider_latency_ms, cost_delta, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.PipelineJobID, nullString(rec.SceneJobID), string(rec.Stage), rec.Outcome,
		rec.StartedAt.Format(time.RFC3339Nano), rec.EndedAt.Format(time.RFC3339Nano),
		rec.ProviderLatencyMs, rec.CostDelta, nullString(rec.Error))
	return err
}

func (s *SQLiteStore) ListCallRecords(ctx context.Context, pipelineID string, limit int) ([]*job.StageCallRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_job_id, scene_job_id, stage, outcome, started_at, ended_at, provider_latency_ms, cost_delta, error
		FROM stage_calls WHERE pipeline_job_id = ? ORDER BY started_at ASC LIMIT ?
	`, pipelineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*job.StageCallRecord
	for rows.Next() {
		var rec job.StageCallRecord
		var sceneID, errMsg sql.NullString
		var stage string
		var startedAt, endedAt string
		if err := rows.Scan(&rec.ID, &rec.PipelineJobID, &sceneID, &stage, &rec.Outcome,
			&startedAt, &endedAt, &rec.ProviderLatencyMs, &rec.CostDelta, &errMsg); err != nil {
			return nil, err
		}
		rec.SceneJobID = sceneID.String
		rec.Stage = job.Stage(stage)
		rec.Error = errMsg.String
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		rec.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*job.PipelineJob, error) {
	var p job.PipelineJob
	var sceneIDs, attempts string
	var finalRef, lastErr sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.ScriptRef, &p.Title, &p.Status, &sceneIDs, &attempts,
		&p.CostAccumulated, &finalRef, &lastErr, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(sceneIDs), &p.SceneJobIDs); err != nil {
		return nil, fmt.Errorf("decode scene_job_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(attempts), &p.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	p.FinalAssetRef = finalRef.String
	p.LastError = lastErr.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

func collectPipelines(rows *sql.Rows) ([]*job.PipelineJob, error) {
	var pipelines []*job.PipelineJob
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

func scanScene(row rowScanner) (*job.SceneJob, error) {
	var sc job.SceneJob
	var currentStage string
	var failedStage, lastErr sql.NullString
	var attempts, fallbackUsed, inputs, assets string
	var inFlight int
	var createdAt, updatedAt string

	err := row.Scan(&sc.ID, &sc.PipelineJobID, &sc.SceneIndex, &currentStage, &failedStage,
		&attempts, &fallbackUsed, &inputs, &assets, &lastErr, &inFlight, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sc.CurrentStage = job.Stage(currentStage)
	sc.FailedStage = job.Stage(failedStage.String)
	if err := json.Unmarshal([]byte(attempts), &sc.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	if err := json.Unmarshal([]byte(fallbackUsed), &sc.FallbackUsed); err != nil {
		return nil, fmt.Errorf("decode fallback_used: %w", err)
	}
	if err := json.Unmarshal([]byte(inputs), &sc.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(assets), &sc.Assets); err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	sc.LastError = lastErr.String
	sc.InFlight = inFlight == 1
	sc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sc, nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// all persisted values are plain maps/slices/structs; this cannot fail
		return "{}"
	}
	return string(data)
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
