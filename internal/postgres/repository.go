package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
)

// AuditRecord is the durable summary of a task that reached a terminal state.
type AuditRecord struct {
	TaskID          string           `json:"task_id"`
	Kind            domain.TaskKind  `json:"kind"`
	MediaRef        string           `json:"media_ref,omitempty"`
	MediaType       domain.MediaType `json:"media_type"`
	ExtractionLevel domain.Level     `json:"extraction_level,omitempty"`
	BrandName       string           `json:"brand_name,omitempty"`
	OwnerID         string           `json:"owner_id,omitempty"`
	Status          domain.Status    `json:"status"`
	ErrorKind       domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	Attempts        int              `json:"attempts"`
	FrameCount      int              `json:"frame_count"`
	Chunks          int              `json:"chunks"`
	Model           string           `json:"model,omitempty"`
	ManifestURL     string           `json:"manifest_url,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	RecordedAt      time.Time        `json:"recorded_at"`
}

// AuditRepository abstracts all database access for the task audit trail.
type AuditRepository interface {
	Record(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*AuditRecord, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*AuditRecord, error)
}

type repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository wraps a pgxpool with the AuditRepository interface.
func NewRepository(pool *pgxpool.Pool) AuditRepository {
	return &repository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// RecordFromTask flattens a terminal task into its audit row.
func RecordFromTask(task *domain.Task) (*AuditRecord, error) {
	if !task.Status.IsTerminal() {
		return nil, fmt.Errorf("audit task %s: status %s is not terminal", task.ID, task.Status)
	}
	rec := &AuditRecord{
		TaskID:          task.ID,
		Kind:            task.Request.TaskKind(),
		MediaRef:        task.Request.MediaRef,
		MediaType:       task.Request.MediaType,
		ExtractionLevel: task.Request.Level,
		BrandName:       task.Request.BrandName,
		OwnerID:         task.Request.OwnerID,
		Status:          task.Status,
		Attempts:        task.Attempts,
		CreatedAt:       task.CreatedAt,
		CompletedAt:     task.CompletedAt,
	}
	if task.Error != nil {
		rec.ErrorKind = task.Error.Kind
		rec.ErrorMessage = task.Error.Message
	}
	if task.Result != nil {
		md := task.Result.Metadata
		rec.FrameCount = md.FrameCount
		rec.Chunks = md.Chunks
		rec.Model = md.Model
		rec.ManifestURL = md.ManifestURL
	}
	return rec, nil
}

// Record upserts the audit row of a terminal task. Recording the same task
// twice keeps the latest outcome.
func (r *repository) Record(ctx context.Context, task *domain.Task) error {
	rec, err := RecordFromTask(task)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO task_audit
			(id, media_ref, media_type, extraction_level, brand_name, owner_id, status,
			 error_kind, error_message, attempts, frame_count, chunks, model, manifest_url,
			 created_at, completed_at, recorded_at, kind)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			error_kind    = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			attempts      = EXCLUDED.attempts,
			frame_count   = EXCLUDED.frame_count,
			chunks        = EXCLUDED.chunks,
			model         = EXCLUDED.model,
			manifest_url  = EXCLUDED.manifest_url,
			completed_at  = EXCLUDED.completed_at,
			recorded_at   = EXCLUDED.recorded_at
	`,
		rec.TaskID, rec.MediaRef, string(rec.MediaType), string(rec.ExtractionLevel),
		rec.BrandName, rec.OwnerID, string(rec.Status),
		string(rec.ErrorKind), rec.ErrorMessage, rec.Attempts, rec.FrameCount, rec.Chunks,
		rec.Model, rec.ManifestURL, rec.CreatedAt, rec.CompletedAt, r.now(), string(rec.Kind),
	)
	if err != nil {
		return fmt.Errorf("record audit for task %s: %w", task.ID, err)
	}
	return nil
}

const selectColumns = `
	SELECT id, media_ref, media_type, extraction_level, brand_name, owner_id, status,
	       error_kind, error_message, attempts, frame_count, chunks, model, manifest_url,
	       created_at, completed_at, recorded_at, kind
	FROM task_audit`

func (r *repository) GetByID(ctx context.Context, id string) (*AuditRecord, error) {
	row := r.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return rec, err
}

// ListByStatus returns the newest records first. An empty status lists all.
func (r *repository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, selectColumns+`
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit by status %q: %w", status, err)
	}
	defer rows.Close()

	records := make([]*AuditRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// scanRecord reads an audit row from any pgx row type.
func scanRecord(row interface {
	Scan(...any) error
}) (*AuditRecord, error) {
	var rec AuditRecord
	var kind, mediaType, level, status, errorKind string
	err := row.Scan(
		&rec.TaskID, &rec.MediaRef, &mediaType, &level, &rec.BrandName, &rec.OwnerID, &status,
		&errorKind, &rec.ErrorMessage, &rec.Attempts, &rec.FrameCount, &rec.Chunks,
		&rec.Model, &rec.ManifestURL, &rec.CreatedAt, &rec.CompletedAt, &rec.RecordedAt, &kind,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan audit record: %w", err)
	}
	rec.Kind = domain.TaskKind(kind)
	rec.MediaType = domain.MediaType(mediaType)
	rec.ExtractionLevel = domain.Level(level)
	rec.Status = domain.Status(status)
	rec.ErrorKind = domain.ErrorKind(errorKind)
	return &rec, nil
}
