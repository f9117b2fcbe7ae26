package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/core/domain"
)

const fileColumns = `id, storage_key, original_name, mime_type, size_bytes, date_uploaded, status, ocr_output, ocr_error, attempts, started_at, updated_at`

type FileRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *FileRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS files (
	seq BIGSERIAL UNIQUE,
	id TEXT PRIMARY KEY,
	storage_key TEXT NOT NULL UNIQUE,
	original_name TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	date_uploaded TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	ocr_output TEXT NOT NULL DEFAULT '',
	ocr_error TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT files_status_check CHECK (status IN ('uploaded', 'processing', 'processed', 'error')),
	CONSTRAINT files_processed_has_output CHECK (status <> 'processed' OR ocr_output <> ''),
	CONSTRAINT files_error_has_message CHECK (status <> 'error' OR ocr_error <> '')
);

CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);
CREATE INDEX IF NOT EXISTS idx_files_date_uploaded ON files(date_uploaded DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *FileRepository) Insert(ctx context.Context, file *domain.UploadedFile) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO files (
	id, storage_key, original_name, mime_type, size_bytes, date_uploaded, status, ocr_output, ocr_error, attempts, started_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
		file.ID, file.StorageKey, file.OriginalName, file.MimeType, file.SizeBytes, file.DateUploaded,
		string(file.Status), file.OCROutput, file.OCRError, file.Attempts, nullTime(file.StartedAt), file.UpdatedAt,
	)
	if err != nil {
		return domain.WrapError(domain.ErrRepository, "insert file", err)
	}
	return nil
}

func (r *FileRepository) GetByID(ctx context.Context, id string) (*domain.UploadedFile, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id)
	file, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrFileNotFound, "get file", fmt.Errorf("id=%s", id))
		}
		return nil, domain.WrapError(domain.ErrRepository, "scan file", err)
	}
	return file, nil
}

// UpdateFields writes exactly the fields set in update in a single statement.
// Status changes are guarded by the allowed predecessors, so terminal records never change.
// A ClaimedAt guard further restricts the write to the claim that is still current.
func (r *FileRepository) UpdateFields(ctx context.Context, id string, update domain.FileUpdate) error {
	if update.Empty() {
		return nil
	}

	args := []any{id}
	sets := make([]string, 0, 6)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.OCROutput != nil {
		set("ocr_output", *update.OCROutput)
	}
	if update.OCRError != nil {
		set("ocr_error", *update.OCRError)
	}
	if update.StartedAt != nil {
		set("started_at", *update.StartedAt)
	} else if update.ClearStarted {
		sets = append(sets, "started_at = NULL")
	}
	set("updated_at", r.now())

	where := "id = $1"
	if update.Status != nil {
		preds := domain.Predecessors(*update.Status)
		if len(preds) == 0 {
			return domain.WrapError(domain.ErrInvalidTransition, "update file", fmt.Errorf("no transition into %s", *update.Status))
		}
		where += fmt.Sprintf(" AND status IN (%s)", placeholders(len(args)+1, len(preds)))
		for _, pred := range preds {
			args = append(args, string(pred))
		}
	}
	if update.ClaimedAt != nil {
		args = append(args, *update.ClaimedAt)
		where += fmt.Sprintf(" AND started_at = $%d", len(args))
	}

	query := fmt.Sprintf("UPDATE files SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.WrapError(domain.ErrRepository, "update file", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.WrapError(domain.ErrRepository, "update file rows affected", err)
	}
	if affected == 0 {
		return r.explainNoRows(ctx, id, "update file")
	}
	return nil
}

// Claim moves a record into processing, or takes over a processing lease that expired.
func (r *FileRepository) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (*domain.UploadedFile, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE files
SET status = 'processing', started_at = $2, attempts = attempts + 1, updated_at = $2
WHERE id = $1 AND (status = 'uploaded' OR (status = 'processing' AND started_at < $3))
RETURNING `+fileColumns,
		id, now, now.Add(-lease),
	)
	file, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, r.explainNoRows(ctx, id, "claim file")
		}
		return nil, domain.WrapError(domain.ErrRepository, "claim file", err)
	}
	return file, nil
}

// FindAll lists records in insertion order unless the filter asks for newest first.
func (r *FileRepository) FindAll(ctx context.Context, filter domain.ListFilter) ([]domain.UploadedFile, error) {
	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT ` + fileColumns + ` FROM files`)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query.WriteString(` WHERE status = $1`)
	}
	if filter.Order == domain.OrderNewest {
		query.WriteString(` ORDER BY seq DESC`)
	} else {
		query.WriteString(` ORDER BY seq ASC`)
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&query, ` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&query, ` OFFSET $%d`, len(args))
	}

	return r.queryFiles(ctx, "list files", query.String(), args...)
}

func (r *FileRepository) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.UploadedFile, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryFiles(ctx, "find stale files", `
SELECT `+fileColumns+`
FROM files
WHERE (status = 'uploaded' AND date_uploaded < $1)
   OR (status = 'processing' AND started_at < $1)
ORDER BY seq ASC
LIMIT $2
`, olderThan, limit)
}

// DeleteMany removes the matching records and returns them so callers can drop their blobs.
func (r *FileRepository) DeleteMany(ctx context.Context, ids []string) ([]domain.UploadedFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM files WHERE id IN (%s) RETURNING %s`, placeholders(1, len(ids)), fileColumns)
	return r.queryFiles(ctx, "delete files", query, args...)
}

func (r *FileRepository) ExistingStorageKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	query := fmt.Sprintf(`SELECT storage_key FROM files WHERE storage_key IN (%s)`, placeholders(1, len(keys)))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.ErrRepository, "lookup storage keys", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, domain.WrapError(domain.ErrRepository, "scan storage key", err)
		}
		out[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrRepository, "iterate storage keys", err)
	}
	return out, nil
}

func (r *FileRepository) queryFiles(ctx context.Context, operation, query string, args ...any) ([]domain.UploadedFile, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.ErrRepository, operation, err)
	}
	defer rows.Close()

	files := make([]domain.UploadedFile, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrRepository, operation, err)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrRepository, operation, err)
	}
	return files, nil
}

// explainNoRows distinguishes an unknown id from a guarded transition that did not apply.
func (r *FileRepository) explainNoRows(ctx context.Context, id, operation string) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM files WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.WrapError(domain.ErrFileNotFound, operation, fmt.Errorf("id=%s", id))
	case err != nil:
		return domain.WrapError(domain.ErrRepository, operation, err)
	default:
		return domain.WrapError(domain.ErrInvalidTransition, operation, fmt.Errorf("id=%s status=%s", id, status))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*domain.UploadedFile, error) {
	var (
		file      domain.UploadedFile
		status    string
		startedAt sql.NullTime
	)
	err := row.Scan(
		&file.ID, &file.StorageKey, &file.OriginalName, &file.MimeType, &file.SizeBytes, &file.DateUploaded,
		&status, &file.OCROutput, &file.OCRError, &file.Attempts, &startedAt, &file.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	file.Status = domain.FileStatus(status)
	if startedAt.Valid {
		started := startedAt.Time
		file.StartedAt = &started
	}
	return &file, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
